package queue

// EventKind identifies a control event sent to the scheduler loop.
type EventKind int

const (
	// EventRefresh requests a rescan, optionally clearing one hold first
	EventRefresh EventKind = iota
	// EventWorkerDone reports that a delivery attempt finished
	EventWorkerDone
	// EventOnHold records a new hold for an item
	EventOnHold
	// EventPaused toggles the scheduler pause flag
	EventPaused
	// EventStop terminates the scheduler loop
	EventStop
)

// Event is one control message on the scheduler's bounded channel. Producers
// must tolerate the send blocking when the channel is full; the scheduler
// never drops events.
type Event struct {
	Kind   EventKind
	ID     QueueID
	HasID  bool
	Hold   OnHold
	Paused bool
}

// RefreshEvent requests a rescan of the due set. When an id is given, its
// hold (if any) is dropped first.
func RefreshEvent(id ...QueueID) Event {
	ev := Event{Kind: EventRefresh}
	if len(id) > 0 {
		ev.ID = id[0]
		ev.HasID = true
	}
	return ev
}

// WorkerDoneEvent reports completion of the in-flight delivery attempt for
// id. This is the only path by which an InFlight hold is cleared.
func WorkerDoneEvent(id QueueID) Event {
	return Event{Kind: EventWorkerDone, ID: id, HasID: true}
}

// OnHoldEvent inserts or overwrites the hold for id.
func OnHoldEvent(id QueueID, hold OnHold) Event {
	return Event{Kind: EventOnHold, ID: id, HasID: true, Hold: hold}
}

// PausedEvent toggles the pause flag. While paused the scheduler dispatches
// nothing; unpausing forces an immediate rescan.
func PausedEvent(paused bool) Event {
	return Event{Kind: EventPaused, Paused: paused}
}

// StopEvent terminates the scheduler loop. Outstanding delivery attempts are
// not cancelled.
func StopEvent() Event {
	return Event{Kind: EventStop}
}

// DueItem is one entry of the store's due-set enumeration: a queue item
// whose earliest unresolved deadline is due.
type DueItem struct {
	ID  QueueID
	Due int64
}
