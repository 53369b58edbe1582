package models

import "strings"

// Payload structs keep the display title in a Name field so the Title
// method can apply per-type fallbacks.

type Note struct {
	Name    string `json:"title"`
	Content string `json:"content"`
	Folder  string `json:"folder,omitempty"`
}

func (n Note) Type() EntityType { return EntityNote }
func (n Note) Validate() error  { return required(EntityNote, "title", n.Name) }
func (n Note) Title() string    { return n.Name }
func (n Note) Text() string     { return n.Content }

type Photo struct {
	Name    string `json:"title"`
	Caption string `json:"caption"`
	BlobKey string `json:"blob_key,omitempty"`
	Album   string `json:"album,omitempty"`
}

func (p Photo) Type() EntityType { return EntityPhoto }
func (p Photo) Validate() error  { return required(EntityPhoto, "title", p.Name) }
func (p Photo) Title() string    { return p.Name }
func (p Photo) Text() string     { return p.Caption }

type File struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
	BlobKey  string `json:"blob_key,omitempty"`
	Folder   string `json:"folder,omitempty"`
}

func (f File) Type() EntityType { return EntityFile }
func (f File) Validate() error  { return required(EntityFile, "name", f.Name) }
func (f File) Title() string    { return f.Name }
func (f File) Text() string     { return strings.Join([]string{f.Name, f.MimeType}, "\n") }

type Link struct {
	URL         string `json:"url"`
	Name        string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

func (l Link) Type() EntityType { return EntityLink }
func (l Link) Validate() error  { return required(EntityLink, "url", l.URL) }
func (l Link) Text() string     { return l.Description }

func (l Link) Title() string {
	if l.Name != "" {
		return l.Name
	}
	return l.URL
}

// Video is a bookmark to a short video hosted elsewhere.
type Video struct {
	URL          string `json:"url"`
	Name         string `json:"title,omitempty"`
	Platform     string `json:"platform,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

func (v Video) Type() EntityType { return EntityVideo }
func (v Video) Validate() error  { return required(EntityVideo, "url", v.URL) }
func (v Video) Text() string     { return strings.Join([]string{v.URL, v.Name}, "\n") }

func (v Video) Title() string {
	if v.Name != "" {
		return v.Name
	}
	return v.URL
}
