package meridian

// socketManager is the interface the Multiplexer drives readiness
// callbacks against (spec.md §2 item 3). A manager that returns false from
// HandleReadEvent or HandleWriteEvent, or whose HandleError is invoked, is
// deregistered.
type socketManager interface {
	FD() int
	HandleReadEvent() bool
	HandleWriteEvent() bool
	HandleError(err error)
}
