package publisher

import (
	"time"

	"github.com/maxpert/conveyor/db"
)

// changeKind names a committed write for feed consumers. Inserts of rows
// with a source event are claims.
func changeKind(c db.Change) string {
	switch {
	case c.Op == db.OpTransition:
		return ChangeStatus
	case c.Event.DependsOn != "":
		return ChangeClaimed
	default:
		return ChangeDispatched
	}
}

// ConvertToFeedEvents converts the changes of one committed transaction to feed records
func ConvertToFeedEvents(changes []db.Change, commitTS time.Time, nodeID uint64) []FeedEvent {
	out := make([]FeedEvent, 0, len(changes))
	commitTSMillis := commitTS.UnixMilli()

	for _, c := range changes {
		ev := c.Event
		if ev == nil {
			continue
		}

		out = append(out, FeedEvent{
			SeqNum:      0, // assigned by FeedLog.Append
			Change:      changeKind(c),
			EventID:     ev.ID,
			Topic:       ev.Topic,
			Sender:      ev.Sender,
			UserName:    ev.UserName,
			Description: ev.Description,
			Status:      string(ev.Status),
			DependsOn:   ev.DependsOn,
			Retries:     ev.Retries,
			MaxRetries:  ev.MaxRetries,
			Payload:     ev.Payload,
			CreatedAt:   ev.CreatedAt,
			UpdatedAt:   ev.UpdatedAt,
			CommitTS:    commitTSMillis,
			NodeID:      nodeID,
		})
	}

	return out
}
