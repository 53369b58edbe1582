// Package proto defines the gophvault.VaultService wire contract: request and
// response messages, the gRPC service descriptor and typed client/server
// bindings.
//
// Messages are Go structs whose pb tags carry the protobuf field numbers and
// whose json tags carry the field names. At init the package derives the
// gophvault/vault.proto file descriptor from them, so calls travel as
// protobuf on gRPC's default codec without a protoc step. Record payloads
// are google.protobuf.Struct and timestamps google.protobuf.Timestamp.
package proto

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	gproto "google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	_ "google.golang.org/protobuf/types/known/structpb"
	_ "google.golang.org/protobuf/types/known/timestamppb"
)

const (
	FileName    = "gophvault/vault.proto"
	PackageName = "gophvault"
)

var messageTypes = []reflect.Type{
	reflect.TypeOf((*PingRequest)(nil)).Elem(),
	reflect.TypeOf((*PingResponse)(nil)).Elem(),
	reflect.TypeOf((*RegisterUserRequest)(nil)).Elem(),
	reflect.TypeOf((*RegisterUserResponse)(nil)).Elem(),
	reflect.TypeOf((*GetSaltRequest)(nil)).Elem(),
	reflect.TypeOf((*GetSaltResponse)(nil)).Elem(),
	reflect.TypeOf((*LoginRequest)(nil)).Elem(),
	reflect.TypeOf((*LoginResponse)(nil)).Elem(),
	reflect.TypeOf((*RefreshTokenRequest)(nil)).Elem(),
	reflect.TypeOf((*RefreshTokenResponse)(nil)).Elem(),
	reflect.TypeOf((*Record)(nil)).Elem(),
	reflect.TypeOf((*CreateRecordRequest)(nil)).Elem(),
	reflect.TypeOf((*CreateRecordResponse)(nil)).Elem(),
	reflect.TypeOf((*UpdateRecordRequest)(nil)).Elem(),
	reflect.TypeOf((*UpdateRecordResponse)(nil)).Elem(),
	reflect.TypeOf((*DeleteRecordRequest)(nil)).Elem(),
	reflect.TypeOf((*DeleteRecordResponse)(nil)).Elem(),
	reflect.TypeOf((*PresignUploadRequest)(nil)).Elem(),
	reflect.TypeOf((*PresignUploadResponse)(nil)).Elem(),
	reflect.TypeOf((*PresignDownloadRequest)(nil)).Elem(),
	reflect.TypeOf((*PresignDownloadResponse)(nil)).Elem(),
	reflect.TypeOf((*SubscribeRequest)(nil)).Elem(),
	reflect.TypeOf((*ChangeEvent)(nil)).Elem(),
}

type rpc struct {
	name    string
	in, out reflect.Type
	stream  bool
}

var rpcs = []rpc{
	{"Ping", reflect.TypeOf((*PingRequest)(nil)).Elem(), reflect.TypeOf((*PingResponse)(nil)).Elem(), false},
	{"RegisterUser", reflect.TypeOf((*RegisterUserRequest)(nil)).Elem(), reflect.TypeOf((*RegisterUserResponse)(nil)).Elem(), false},
	{"GetSalt", reflect.TypeOf((*GetSaltRequest)(nil)).Elem(), reflect.TypeOf((*GetSaltResponse)(nil)).Elem(), false},
	{"Login", reflect.TypeOf((*LoginRequest)(nil)).Elem(), reflect.TypeOf((*LoginResponse)(nil)).Elem(), false},
	{"RefreshToken", reflect.TypeOf((*RefreshTokenRequest)(nil)).Elem(), reflect.TypeOf((*RefreshTokenResponse)(nil)).Elem(), false},
	{"CreateRecord", reflect.TypeOf((*CreateRecordRequest)(nil)).Elem(), reflect.TypeOf((*CreateRecordResponse)(nil)).Elem(), false},
	{"UpdateRecord", reflect.TypeOf((*UpdateRecordRequest)(nil)).Elem(), reflect.TypeOf((*UpdateRecordResponse)(nil)).Elem(), false},
	{"DeleteRecord", reflect.TypeOf((*DeleteRecordRequest)(nil)).Elem(), reflect.TypeOf((*DeleteRecordResponse)(nil)).Elem(), false},
	{"PresignUpload", reflect.TypeOf((*PresignUploadRequest)(nil)).Elem(), reflect.TypeOf((*PresignUploadResponse)(nil)).Elem(), false},
	{"PresignDownload", reflect.TypeOf((*PresignDownloadRequest)(nil)).Elem(), reflect.TypeOf((*PresignDownloadResponse)(nil)).Elem(), false},
	{"Subscribe", reflect.TypeOf((*SubscribeRequest)(nil)).Elem(), reflect.TypeOf((*ChangeEvent)(nil)).Elem(), true},
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindBool
	kindBytes
	kindStrings
	kindTime
	kindJSON
	kindMessage
)

var (
	timeType    = reflect.TypeOf((*time.Time)(nil)).Elem()
	rawType     = reflect.TypeOf((*json.RawMessage)(nil)).Elem()
	bytesType   = reflect.TypeOf((*[]byte)(nil)).Elem()
	stringsType = reflect.TypeOf((*[]string)(nil)).Elem()
)

func kindOf(t reflect.Type) (fieldKind, bool) {
	switch {
	case t == timeType:
		return kindTime, true
	case t == rawType:
		return kindJSON, true
	case t == bytesType:
		return kindBytes, true
	case t == stringsType:
		return kindStrings, true
	case t.Kind() == reflect.String:
		return kindString, true
	case t.Kind() == reflect.Bool:
		return kindBool, true
	case t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct:
		return kindMessage, true
	}
	return 0, false
}

// layout binds the fields of a message struct to its descriptor.
type layout struct {
	desc   protoreflect.MessageDescriptor
	fields []fieldLayout
}

type fieldLayout struct {
	index int
	kind  fieldKind
	fd    protoreflect.FieldDescriptor
}

// File is the descriptor of gophvault/vault.proto. It is also registered in
// protoregistry.GlobalFiles.
var File protoreflect.FileDescriptor

var layouts = map[reflect.Type]*layout{}

func init() {
	fdp, err := describeFile()
	if err != nil {
		panic(fmt.Sprintf("proto: %v", err))
	}
	f, err := protodesc.NewFile(fdp, protoregistry.GlobalFiles)
	if err != nil {
		panic(fmt.Sprintf("proto: invalid %s: %v", FileName, err))
	}
	if err := protoregistry.GlobalFiles.RegisterFile(f); err != nil {
		panic(fmt.Sprintf("proto: %v", err))
	}
	File = f

	for _, t := range messageTypes {
		md := f.Messages().ByName(protoreflect.Name(t.Name()))
		l := &layout{desc: md}
		for i := 0; i < t.NumField(); i++ {
			name, _, _ := fieldName(t.Field(i))
			kind, _ := kindOf(t.Field(i).Type)
			l.fields = append(l.fields, fieldLayout{index: i, kind: kind, fd: md.Fields().ByName(protoreflect.Name(name))})
		}
		layouts[t] = l
	}
}

func layoutOf(t reflect.Type) *layout {
	l, ok := layouts[t]
	if !ok {
		panic(fmt.Sprintf("proto: %s is not a %s message", t, PackageName))
	}
	return l
}

// Descriptor returns the message descriptor of the struct type T.
func Descriptor[T any]() protoreflect.MessageDescriptor {
	return layoutOf(reflect.TypeOf((*T)(nil)).Elem()).desc
}

func describeFile() (*descriptorpb.FileDescriptorProto, error) {
	fdp := &descriptorpb.FileDescriptorProto{
		Name:       gproto.String(FileName),
		Package:    gproto.String(PackageName),
		Syntax:     gproto.String("proto3"),
		Dependency: []string{"google/protobuf/struct.proto", "google/protobuf/timestamp.proto"},
		Options: &descriptorpb.FileOptions{
			GoPackage: gproto.String("github.com/dmitrijs2005/gophvault/internal/proto"),
		},
	}
	for _, t := range messageTypes {
		md, err := describeMessage(t)
		if err != nil {
			return nil, err
		}
		fdp.MessageType = append(fdp.MessageType, md)
	}

	svc := &descriptorpb.ServiceDescriptorProto{Name: gproto.String("VaultService")}
	for _, r := range rpcs {
		m := &descriptorpb.MethodDescriptorProto{
			Name:       gproto.String(r.name),
			InputType:  gproto.String(qualified(r.in)),
			OutputType: gproto.String(qualified(r.out)),
		}
		if r.stream {
			m.ServerStreaming = gproto.Bool(true)
		}
		svc.Method = append(svc.Method, m)
	}
	fdp.Service = []*descriptorpb.ServiceDescriptorProto{svc}
	return fdp, nil
}

func qualified(t reflect.Type) string {
	return "." + PackageName + "." + t.Name()
}

func describeMessage(t reflect.Type) (*descriptorpb.DescriptorProto, error) {
	md := &descriptorpb.DescriptorProto{Name: gproto.String(t.Name())}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, number, err := fieldName(f)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t.Name(), f.Name, err)
		}
		kind, ok := kindOf(f.Type)
		if !ok {
			return nil, fmt.Errorf("%s.%s: unsupported type %s", t.Name(), f.Name, f.Type)
		}

		fd := &descriptorpb.FieldDescriptorProto{
			Name:   gproto.String(name),
			Number: gproto.Int32(number),
			Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		}
		switch kind {
		case kindString:
			fd.Type = descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum()
		case kindBool:
			fd.Type = descriptorpb.FieldDescriptorProto_TYPE_BOOL.Enum()
		case kindBytes:
			fd.Type = descriptorpb.FieldDescriptorProto_TYPE_BYTES.Enum()
		case kindStrings:
			fd.Type = descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum()
			fd.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
		case kindTime:
			fd.Type = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum()
			fd.TypeName = gproto.String(".google.protobuf.Timestamp")
		case kindJSON:
			fd.Type = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum()
			fd.TypeName = gproto.String(".google.protobuf.Struct")
		case kindMessage:
			fd.Type = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum()
			fd.TypeName = gproto.String(qualified(f.Type.Elem()))
		}
		md.Field = append(md.Field, fd)
	}
	return md, nil
}

// fieldName reads the protobuf name and number of a struct field from its
// json and pb tags.
func fieldName(f reflect.StructField) (string, int32, error) {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "" || name == "-" {
		return "", 0, fmt.Errorf("missing json name")
	}
	n, err := strconv.ParseInt(f.Tag.Get("pb"), 10, 32)
	if err != nil || n <= 0 {
		return "", 0, fmt.Errorf("invalid pb field number %q", f.Tag.Get("pb"))
	}
	return name, int32(n), nil
}
