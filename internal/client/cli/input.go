package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dmitrijs2005/gophvault/internal/client/models"
	"golang.org/x/term"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

// GetSimpleText prints a prompt to w and reads a single line of input from reader.
// The trailing newline is trimmed. If EOF occurs after some input was read,
// the partial line is returned.
//
// Example prompt format:
//
//	Prompt text
//	> _
func GetSimpleText(reader *bufio.Reader, prompt string, w io.Writer) (string, error) {
	if _, err := fmt.Fprint(w, prompt+"\n> "); err != nil {
		return "", err
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// GetPassword prints a password prompt to w and reads a password
// from the user's terminal without echo.
//
// The returned byte slice should be wiped by the caller when no longer needed.
func GetPassword(w io.Writer) ([]byte, error) {
	if _, err := fmt.Fprint(w, "Enter password: "); err != nil {
		return nil, err
	}
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return nil, err
	}
	return pw, nil
}

// GetMultiline prints a prompt to w and reads multiple lines until an empty
// line is entered (i.e., the user presses Enter twice). The collected text
// is joined with '\n'.
func GetMultiline(reader *bufio.Reader, prompt string, w io.Writer) (string, error) {
	if _, err := fmt.Fprint(w, prompt+"\n(press Enter on an empty line to finish)\n"); err != nil {
		return "", err
	}

	var lines []string
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		lines = append(lines, line)
		if err != nil {
			break
		}
	}

	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}

type fieldSpec struct {
	key       string
	prompt    string
	multiline bool
}

// entityFields lists the user-editable fields per entity type. Blob keys,
// sizes and mime types are filled in by attach.
var entityFields = map[models.EntityType][]fieldSpec{
	models.EntityNote: {
		{key: "title", prompt: "Title"},
		{key: "content", prompt: "Content", multiline: true},
		{key: "folder", prompt: "Folder"},
	},
	models.EntityPhoto: {
		{key: "title", prompt: "Title"},
		{key: "caption", prompt: "Caption"},
		{key: "album", prompt: "Album"},
	},
	models.EntityFile: {
		{key: "name", prompt: "Name"},
		{key: "folder", prompt: "Folder"},
	},
	models.EntityLink: {
		{key: "url", prompt: "URL"},
		{key: "title", prompt: "Title"},
		{key: "description", prompt: "Description", multiline: true},
	},
	models.EntityVideo: {
		{key: "url", prompt: "URL"},
		{key: "title", prompt: "Title"},
		{key: "platform", prompt: "Platform"},
		{key: "thumbnail_url", prompt: "Thumbnail URL"},
	},
}

// GetFields prompts for every field of entity. Empty answers are left out,
// so the same prompts serve both create and partial update.
func GetFields(reader *bufio.Reader, entity models.EntityType, w io.Writer) (models.Fields, error) {
	specs, ok := entityFields[entity]
	if !ok {
		return nil, fmt.Errorf("%w: entity %q", models.ErrUnknownTable, entity)
	}

	out := models.Fields{}
	for _, f := range specs {
		var (
			v   string
			err error
		)
		if f.multiline {
			v, err = GetMultiline(reader, f.prompt, w)
		} else {
			v, err = GetSimpleText(reader, f.prompt, w)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if v != "" {
			out[f.key] = v
		}
	}
	return out, nil
}
