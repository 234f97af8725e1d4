package transformer_test

import (
	"fmt"

	"github.com/maxpert/conveyor/publisher"
	"github.com/maxpert/conveyor/publisher/transformer"
)

func ExampleJSONTransformer() {
	t := transformer.NewJSONTransformer()

	data, err := t.Transform(publisher.FeedEvent{
		SeqNum:  1,
		Change:  publisher.ChangeDispatched,
		EventID: "e1",
		Topic:   "ftrack.update",
		Sender:  "ftrack",
		Status:  "pending",
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(string(data))

	// Output:
	// {"seq":1,"change":"dispatched","event_id":"e1","topic":"ftrack.update","sender":"ftrack","status":"pending","retries":0,"max_retries":0,"created_at":"0001-01-01T00:00:00Z","updated_at":"0001-01-01T00:00:00Z","commit_ts":0,"node_id":0}
}
