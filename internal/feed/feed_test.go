package feed

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/broker/pkg/model"
)

func TestInsert(t *testing.T) {
	exp := int64(99)
	c := Insert(model.Event{ID: "e1", Name: "msgAdded", TTL: &exp, Payload: map[string]interface{}{"text": "hi"}})
	assert.Equal(t, KindInsert, c.Kind)
	assert.Equal(t, map[string]interface{}{"id": "e1", "event": "msgAdded", "ttl": int64(99), "text": "hi"}, c.NewImage)
}

func TestCodecs(t *testing.T) {
	for _, name := range []string{CodecJSON, CodecCBOR} {
		t.Run(name, func(t *testing.T) {
			codec, err := CodecByName(name)
			require.NoError(t, err)
			assert.Equal(t, name, codec.Name())

			in := Change{Kind: KindInsert, NewImage: map[string]interface{}{
				"id":    "e1",
				"event": "msgAdded",
				"ttl":   int64(1700000000),
				"room":  map[string]interface{}{"name": "lobby"},
			}}
			data, err := codec.Marshal(in)
			require.NoError(t, err)

			var out Change
			require.NoError(t, codec.Unmarshal(data, &out))
			assert.Equal(t, KindInsert, out.Kind)

			evt, err := model.EventFromFields(out.NewImage)
			require.NoError(t, err)
			assert.Equal(t, "msgAdded", evt.Name)
			require.NotNil(t, evt.TTL)
			assert.Equal(t, int64(1700000000), *evt.TTL)
			room, ok := evt.Payload["room"].(map[string]interface{})
			require.True(t, ok, "nested maps decode with string keys, got %T", evt.Payload["room"])
			assert.Equal(t, "lobby", room["name"])
		})
	}

	_, err := CodecByName("xml")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	c, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, CodecJSON, c.Name())
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "events.msgAdded", Subject("msgAdded"))
	assert.Equal(t, "events.tenant-1_msg", Subject("tenant-1_msg"))

	dotted := Subject("tenant.msgAdded")
	assert.True(t, strings.HasPrefix(dotted, "events.h"))
	assert.Len(t, strings.Split(dotted, "."), 2)
	assert.Equal(t, dotted, Subject("tenant.msgAdded"), "hashing is stable")
	assert.NotEqual(t, dotted, Subject("tenant.msgRemoved"))

	long := Subject(strings.Repeat("a", 256))
	assert.Len(t, long, len("events.h")+32)
	assert.Equal(t, "events.>", SubjectPattern())
}
