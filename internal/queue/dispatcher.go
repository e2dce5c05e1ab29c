package queue

// DeliveryAttempt is an admitted due item together with the limiter
// admissions consumed for it. The delivery subsystem owns the attempt from
// the moment Dispatch returns: it must release every limiter exactly once
// and report completion with a WorkerDone event (or replace the hold with an
// OnHold event when the attempt is deferred before transmission).
type DeliveryAttempt struct {
	Item     DueItem
	InFlight []*Limiter
}

// Release returns every limiter admission held by the attempt. Safe to call
// once only.
func (a DeliveryAttempt) Release() {
	for _, l := range a.InFlight {
		l.Release()
	}
}

// Dispatcher is the boundary to the delivery subsystem. Dispatch must not
// block the scheduler loop; the attempt is executed asynchronously.
type Dispatcher interface {
	Dispatch(attempt DeliveryAttempt)
}

// Store is the scheduler's view of the spool: an enumeration of every item
// with at least one due deadline. It is invoked on every rescan and must be
// cheap to call repeatedly.
type Store interface {
	NextEvent() ([]DueItem, error)
}

// Notifier delivers control events to the scheduler. Implemented by the
// Scheduler itself; held as an interface by producers to keep the direction
// of the dependency one-way.
type Notifier interface {
	Notify(ev Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ev Event)

// Notify implements Notifier.
func (f NotifierFunc) Notify(ev Event) {
	f(ev)
}
