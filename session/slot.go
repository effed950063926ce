package session

// deliverySlot is a single-use signal carrying the counterpart's payload (or
// a terminal failure) to exactly one suspended request. It is the only piece
// of session state that crosses a goroutine boundary without the session
// mutex: completion happens under the mutex, consumption after release.
type deliverySlot struct {
	ch   chan slotResult
	done bool // guarded by the owning session's mutex
}

type slotResult struct {
	payload string
	err     error
}

func newDeliverySlot() *deliverySlot {
	return &deliverySlot{ch: make(chan slotResult, 1)}
}

// complete finishes the slot. Caller must hold the session mutex. The
// buffered channel makes completion non-blocking; the done flag guarantees
// at-most-once delivery even if timeout cleanup races with a sender.
func (d *deliverySlot) complete(payload string, err error) {
	if d.done {
		return
	}
	d.done = true
	d.ch <- slotResult{payload: payload, err: err}
}
