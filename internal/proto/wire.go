package proto

import (
	"bytes"
	"fmt"
	"reflect"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	gproto "google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Marshal encodes a message struct in the protobuf wire format.
func Marshal(v any) ([]byte, error) {
	m, err := toWire(v)
	if err != nil {
		return nil, err
	}
	return gproto.Marshal(m)
}

// Unmarshal decodes b into the message struct v points to.
func Unmarshal(b []byte, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("proto: cannot decode into %T", v)
	}
	l := layoutOf(rv.Type().Elem())
	m := dynamicpb.NewMessage(l.desc)
	if err := gproto.Unmarshal(b, m); err != nil {
		return err
	}
	return decode(m, l, rv.Elem())
}

// newWire returns an empty dynamic message for the struct type T, ready for
// gRPC to decode into.
func newWire[T any]() *dynamicpb.Message {
	return dynamicpb.NewMessage(Descriptor[T]())
}

func fromWire[T any](m protoreflect.Message) (*T, error) {
	out := new(T)
	if err := decode(m, layoutOf(reflect.TypeOf((*T)(nil)).Elem()), reflect.ValueOf(out).Elem()); err != nil {
		return nil, err
	}
	return out, nil
}

func toWire(v any) (*dynamicpb.Message, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return nil, fmt.Errorf("proto: cannot encode %T", v)
	}
	l := layoutOf(rv.Type().Elem())
	m := dynamicpb.NewMessage(l.desc)
	if err := encode(m, l, rv.Elem()); err != nil {
		return nil, err
	}
	return m, nil
}

func encode(m protoreflect.Message, l *layout, rv reflect.Value) error {
	for _, f := range l.fields {
		fv := rv.Field(f.index)
		switch f.kind {
		case kindString:
			if s := fv.String(); s != "" {
				m.Set(f.fd, protoreflect.ValueOfString(s))
			}
		case kindBool:
			if fv.Bool() {
				m.Set(f.fd, protoreflect.ValueOfBool(true))
			}
		case kindBytes:
			if fv.Len() > 0 {
				m.Set(f.fd, protoreflect.ValueOfBytes(fv.Bytes()))
			}
		case kindStrings:
			if fv.Len() == 0 {
				continue
			}
			list := m.Mutable(f.fd).List()
			for i := 0; i < fv.Len(); i++ {
				list.Append(protoreflect.ValueOfString(fv.Index(i).String()))
			}
		case kindTime:
			// the zero time stays unset
			if t := fv.Interface().(time.Time); !t.IsZero() {
				m.Set(f.fd, protoreflect.ValueOfMessage(timestamppb.New(t).ProtoReflect()))
			}
		case kindJSON:
			raw := bytes.TrimSpace(fv.Bytes())
			if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
				continue
			}
			s := &structpb.Struct{}
			if err := protojson.Unmarshal(raw, s); err != nil {
				return fmt.Errorf("proto: %s must be a JSON object: %w", f.fd.FullName(), err)
			}
			m.Set(f.fd, protoreflect.ValueOfMessage(s.ProtoReflect()))
		case kindMessage:
			if fv.IsNil() {
				continue
			}
			nested := m.NewField(f.fd).Message()
			if err := encode(nested, layoutOf(fv.Type().Elem()), fv.Elem()); err != nil {
				return err
			}
			m.Set(f.fd, protoreflect.ValueOfMessage(nested))
		}
	}
	return nil
}

func decode(m protoreflect.Message, l *layout, rv reflect.Value) error {
	for _, f := range l.fields {
		if !m.Has(f.fd) {
			continue
		}
		fv := rv.Field(f.index)
		v := m.Get(f.fd)
		switch f.kind {
		case kindString:
			fv.SetString(v.String())
		case kindBool:
			fv.SetBool(v.Bool())
		case kindBytes:
			fv.SetBytes(bytes.Clone(v.Bytes()))
		case kindStrings:
			list := v.List()
			out := make([]string, list.Len())
			for i := range out {
				out[i] = list.Get(i).String()
			}
			fv.Set(reflect.ValueOf(out))
		case kindTime:
			fv.Set(reflect.ValueOf(timeOf(v.Message())))
		case kindJSON:
			raw, err := protojson.Marshal(v.Message().Interface())
			if err != nil {
				return fmt.Errorf("proto: %s: %w", f.fd.FullName(), err)
			}
			fv.SetBytes(raw)
		case kindMessage:
			nested := reflect.New(fv.Type().Elem())
			if err := decode(v.Message(), layoutOf(fv.Type().Elem()), nested.Elem()); err != nil {
				return err
			}
			fv.Set(nested)
		}
	}
	return nil
}

// timeOf reads a google.protobuf.Timestamp, concrete or dynamic.
func timeOf(ts protoreflect.Message) time.Time {
	fields := ts.Descriptor().Fields()
	secs := ts.Get(fields.ByName("seconds")).Int()
	nanos := ts.Get(fields.ByName("nanos")).Int()
	return time.Unix(secs, nanos).UTC()
}
