package db

// ChangeOp is the kind of write a transaction made to an event row
type ChangeOp int

const (
	// OpInsert is a new row: a dispatched event or a claim
	OpInsert ChangeOp = iota
	// OpTransition is a status change of an existing claim
	OpTransition
)

func (op ChangeOp) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpTransition:
		return "transition"
	}
	return "unknown"
}

// Change is one committed write. Event is a snapshot taken when the write
// happened, so later writes in the same transaction do not alter it.
type Change struct {
	Op    ChangeOp
	Event *Event
}

// ChangeNotifier is called after a transaction that changed events commits.
// Implementations must not block; the dispatch feed appends to its own log.
type ChangeNotifier interface {
	EventsCommitted(changes []Change)
}

// ChangeNotifierFunc adapts a function to ChangeNotifier
type ChangeNotifierFunc func(changes []Change)

// EventsCommitted calls f(changes)
func (f ChangeNotifierFunc) EventsCommitted(changes []Change) {
	f(changes)
}
