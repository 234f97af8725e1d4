package publisher_test

import (
	"fmt"
	"log"
	"os"

	"github.com/maxpert/conveyor/publisher"
)

func ExampleFeedLog() {
	// Create a temporary directory for testing
	tmpDir, err := os.MkdirTemp("", "publisher-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	feedLog, err := publisher.OpenFeedLog(tmpDir)
	if err != nil {
		log.Fatal(err)
	}
	defer feedLog.Close()

	events := []publisher.FeedEvent{
		{
			Change:  publisher.ChangeDispatched,
			EventID: "src-1",
			Topic:   "ftrack.update",
			Status:  "pending",
			Payload: map[string]interface{}{"entity": "shot"},
			NodeID:  1,
		},
		{
			Change:     publisher.ChangeClaimed,
			EventID:    "job-1",
			Topic:      "ftrack.processed",
			Sender:     "ftrack-processor",
			Status:     "in_progress",
			DependsOn:  "src-1",
			MaxRetries: 3,
			NodeID:     1,
		},
	}

	if err := feedLog.Append(events); err != nil {
		log.Fatal(err)
	}

	// Read events for a sink
	sinkName := "kafka-sink"
	cursor, _ := feedLog.Cursor(sinkName)
	readEvents, _ := feedLog.ReadFrom(cursor, 10)

	fmt.Printf("Read %d events\n", len(readEvents))
	fmt.Printf("Second event: Change=%s, Topic=%s, Key=%s\n",
		readEvents[1].Change, readEvents[1].Topic, readEvents[1].Key())

	// Advance cursor after successful publish
	if len(readEvents) > 0 {
		lastSeq := readEvents[len(readEvents)-1].SeqNum
		feedLog.AdvanceCursor(sinkName, lastSeq)
	}

	// Output:
	// Read 2 events
	// Second event: Change=claimed, Topic=ftrack.processed, Key=src-1
}

func ExampleTopicFilter() {
	filter, err := publisher.NewTopicFilter([]string{"ftrack.*", "shotgrid.sync"})
	if err != nil {
		log.Fatal(err)
	}

	for _, t := range []string{"ftrack.update", "shotgrid.sync", "shotgrid.update"} {
		if filter.Match(t) {
			fmt.Printf("MATCH: %s\n", t)
		}
	}

	// Output:
	// MATCH: ftrack.update
	// MATCH: shotgrid.sync
}

func ExampleFeedEvent_Key() {
	source := publisher.FeedEvent{EventID: "src-1", Topic: "ftrack.update"}
	claim := publisher.FeedEvent{EventID: "job-1", Topic: "ftrack.processed", DependsOn: "src-1"}

	fmt.Println(source.Key())
	fmt.Println(claim.Key())

	// Output:
	// src-1
	// src-1
}
