// Package transformer provides the publisher.Transformer implementations
// selected by a sink's format setting.
package transformer

import (
	"encoding/json"
	"fmt"

	"github.com/maxpert/conveyor/publisher"
)

func init() {
	publisher.RegisterTransformer("json", func() publisher.Transformer {
		return NewJSONTransformer()
	})
}

// JSONTransformer encodes feed records as flat JSON objects using the
// record's json field names. Payload values pass through unchanged.
type JSONTransformer struct{}

// NewJSONTransformer creates a new JSON transformer
func NewJSONTransformer() *JSONTransformer {
	return &JSONTransformer{}
}

// Transform encodes one record
func (t *JSONTransformer) Transform(event publisher.FeedEvent) ([]byte, error) {
	data, err := json.Marshal(&event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal feed record %d: %w", event.SeqNum, err)
	}
	return data, nil
}
