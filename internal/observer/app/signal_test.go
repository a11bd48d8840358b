package app

import (
	"testing"
)

func TestWakeSignalLatchesWhenNoOneWaits(t *testing.T) {
	sig := newWakeSignal()
	sig.Notify()

	select {
	case <-sig.Wait():
	default:
		t.Fatal("notification issued before Wait was lost")
	}
}

func TestWakeSignalCoalescesBursts(t *testing.T) {
	sig := newWakeSignal()
	for i := 0; i < 10; i++ {
		sig.Notify()
	}

	// A burst collapses into one latched wakeup.
	select {
	case <-sig.Wait():
	default:
		t.Fatal("expected a latched wakeup")
	}
	select {
	case <-sig.Wait():
		t.Fatal("burst should coalesce into a single wakeup")
	default:
	}

	// The latch re-arms after being consumed.
	sig.Notify()
	select {
	case <-sig.Wait():
	default:
		t.Fatal("latch did not re-arm")
	}
}
