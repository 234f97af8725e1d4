package transformer

import (
	"fmt"

	"github.com/maxpert/conveyor/encoding"
	"github.com/maxpert/conveyor/publisher"
)

func init() {
	publisher.RegisterTransformer("msgpack", func() publisher.Transformer {
		return NewMsgpackTransformer()
	})
}

// MsgpackTransformer encodes feed records as msgpack maps keyed by the
// same field names as the JSON format.
type MsgpackTransformer struct{}

// NewMsgpackTransformer creates a new msgpack transformer
func NewMsgpackTransformer() *MsgpackTransformer {
	return &MsgpackTransformer{}
}

// Transform encodes one record
func (t *MsgpackTransformer) Transform(event publisher.FeedEvent) ([]byte, error) {
	data, err := encoding.Marshal(&event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal feed record %d: %w", event.SeqNum, err)
	}
	return data, nil
}
