package encoding

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type feedRecord struct {
	Seq     uint64                 `json:"seq"`
	Topic   string                 `json:"topic"`
	Payload map[string]interface{} `json:"payload"`
}

func TestMarshal_Basic(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
	}{
		{"string", "hello world"},
		{"int", 12345},
		{"bool", true},
		{"slice", []int{1, 2, 3}},
		{"map", map[string]interface{}{"entityType": "task", "count": 3}},
		{"struct", feedRecord{Seq: 1, Topic: "ftrack.update"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Marshal(tc.input)
			require.NoError(t, err)
			assert.NotEmpty(t, data)
		})
	}
}

func TestUnmarshal_StringNotBytes(t *testing.T) {
	data, err := Marshal("ftrack.update")
	require.NoError(t, err)

	var result interface{}
	require.NoError(t, Unmarshal(data, &result))

	str, ok := result.(string)
	require.True(t, ok, "expected string, got %T", result)
	assert.Equal(t, "ftrack.update", str)
}

func TestUnmarshal_UsesJSONTags(t *testing.T) {
	data, err := Marshal(feedRecord{Seq: 7, Topic: "x.y"})
	require.NoError(t, err)

	var generic map[string]interface{}
	require.NoError(t, Unmarshal(data, &generic))
	assert.Contains(t, generic, "seq")
	assert.Contains(t, generic, "topic")
}

func TestFramed_SmallValuesStayPlain(t *testing.T) {
	in := feedRecord{Seq: 1, Topic: "x.y", Payload: map[string]interface{}{"a": "b"}}

	data, err := MarshalFramed(in)
	require.NoError(t, err)
	assert.Equal(t, framePlain, data[0])

	var out feedRecord
	require.NoError(t, UnmarshalFramed(data, &out))
	assert.Equal(t, in.Topic, out.Topic)
	assert.Equal(t, "b", out.Payload["a"])
}

func TestFramed_LargeValuesCompressed(t *testing.T) {
	in := feedRecord{
		Seq:     99,
		Topic:   "shotgrid.sync",
		Payload: map[string]interface{}{"blob": strings.Repeat("conveyor ", 400)},
	}

	data, err := MarshalFramed(in)
	require.NoError(t, err)
	assert.Equal(t, frameZstd, data[0])

	raw, err := Marshal(in)
	require.NoError(t, err)
	assert.Less(t, len(data), len(raw))

	var out feedRecord
	require.NoError(t, UnmarshalFramed(data, &out))
	assert.Equal(t, uint64(99), out.Seq)
	assert.Equal(t, in.Payload["blob"], out.Payload["blob"])
}

func TestFramed_Invalid(t *testing.T) {
	var out feedRecord
	assert.Error(t, UnmarshalFramed(nil, &out))
	assert.Error(t, UnmarshalFramed([]byte{0x7f, 0x01}, &out))
}

func TestFramed_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				in := feedRecord{Seq: uint64(n*1000 + j), Payload: map[string]interface{}{"blob": strings.Repeat("x", 600)}}
				data, err := MarshalFramed(in)
				if err != nil {
					t.Errorf("MarshalFramed failed: %v", err)
					return
				}
				var out feedRecord
				if err := UnmarshalFramed(data, &out); err != nil {
					t.Errorf("UnmarshalFramed failed: %v", err)
					return
				}
				if out.Seq != in.Seq {
					t.Errorf("seq mismatch: got %d want %d", out.Seq, in.Seq)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}
