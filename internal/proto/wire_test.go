package proto

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
)

func TestFile_DescribesEveryMessageField(t *testing.T) {
	for _, typ := range messageTypes {
		md := File.Messages().ByName(protoreflect.Name(typ.Name()))
		require.NotNil(t, md, typ.Name())
		assert.Equal(t, typ.NumField(), md.Fields().Len(), typ.Name())

		for i := 0; i < typ.NumField(); i++ {
			name, number, err := fieldName(typ.Field(i))
			require.NoError(t, err)
			fd := md.Fields().ByNumber(protoreflect.FieldNumber(number))
			require.NotNil(t, fd, "%s.%s", typ.Name(), typ.Field(i).Name)
			assert.Equal(t, name, string(fd.Name()))
		}
	}

	found, err := protoregistry.GlobalFiles.FindDescriptorByName("gophvault.VaultService")
	require.NoError(t, err)
	svc := found.(protoreflect.ServiceDescriptor)
	require.Equal(t, len(VaultService_ServiceDesc.Methods)+len(VaultService_ServiceDesc.Streams), svc.Methods().Len())
	sub := svc.Methods().ByName("Subscribe")
	assert.True(t, sub.IsStreamingServer())
	assert.Equal(t, protoreflect.FullName("gophvault.ChangeEvent"), sub.Output().FullName())

	rec := File.Messages().ByName("Record")
	assert.Equal(t, protoreflect.FullName("google.protobuf.Struct"), rec.Fields().ByName("data").Message().FullName())
	assert.Equal(t, protoreflect.FullName("google.protobuf.Timestamp"), rec.Fields().ByName("updated_at").Message().FullName())
}

func TestMarshal_ChangeEvent(t *testing.T) {
	at := time.Date(2025, 5, 6, 7, 8, 9, 123456000, time.UTC)
	in := &ChangeEvent{
		Table: "notes",
		Type:  EventUpdate,
		New: &Record{
			Table: "notes", ID: "n1", UpdatedAt: at, Device: "phone",
			Data: json.RawMessage(`{"title":"plan","tags":["a","b"],"n":2}`),
		},
		UpdatedAt: at,
		Device:    "phone",
	}

	b, err := Marshal(in)
	require.NoError(t, err)
	var out ChangeEvent
	require.NoError(t, Unmarshal(b, &out))

	assert.JSONEq(t, string(in.New.Data), string(out.New.Data))
	out.New.Data = in.New.Data
	if diff := cmp.Diff(in, &out); diff != "" {
		t.Fatalf("event mismatch (-want +got):\n%s", diff)
	}
	assert.Nil(t, out.Old)
}

func TestMarshal_ZeroValuesStayUnset(t *testing.T) {
	b, err := Marshal(&SubscribeRequest{})
	require.NoError(t, err)
	assert.Empty(t, b)

	var out SubscribeRequest
	require.NoError(t, Unmarshal(b, &out))
	assert.True(t, out.Since.IsZero())
	assert.Nil(t, out.Tables)

	b, err = Marshal(&CreateRecordRequest{Table: "notes", ID: "n1", Data: json.RawMessage(`{}`)})
	require.NoError(t, err)
	var created CreateRecordRequest
	require.NoError(t, Unmarshal(b, &created))
	assert.JSONEq(t, `{}`, string(created.Data))
}

func TestMarshal_RejectsNonObjectData(t *testing.T) {
	_, err := Marshal(&CreateRecordRequest{Table: "notes", ID: "n1", Data: json.RawMessage(`[1,2]`)})
	require.ErrorContains(t, err, "must be a JSON object")

	_, err = Marshal(CreateRecordRequest{})
	require.Error(t, err)
	assert.Panics(t, func() { _, _ = Marshal(&struct{}{}) })
}

func TestDescriptor(t *testing.T) {
	assert.Equal(t, protoreflect.FullName("gophvault.Record"), Descriptor[Record]().FullName())
	assert.Equal(t, protoreflect.FullName("gophvault.SubscribeRequest"), Descriptor[SubscribeRequest]().FullName())
}
