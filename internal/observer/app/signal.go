package app

// wakeSignal is the per-session in-process notification primitive.
//
// It is a size-1 buffered channel used as a dirty flag: Notify never blocks
// and a signal raised while no consumer is waiting stays latched until the
// next Wait. Multiple notifications coalesce, which is safe because the
// consumer re-reads the store on every wake.
type wakeSignal struct {
	ch chan struct{}
}

func newWakeSignal() *wakeSignal {
	return &wakeSignal{ch: make(chan struct{}, 1)}
}

// Notify latches a wakeup. Safe to call from any goroutine, never blocks.
func (s *wakeSignal) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait returns the channel a consumer selects on to be woken.
func (s *wakeSignal) Wait() <-chan struct{} {
	return s.ch
}
