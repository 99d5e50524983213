package engine

import "testing"

func TestWakeBusCoalescesPerSubscriber(t *testing.T) {
	bus := NewWakeBus()
	a, cancelA := bus.Subscribe()
	defer cancelA()
	b, cancelB := bus.Subscribe()

	if n := bus.Publish(WakePush); n != 2 {
		t.Errorf("Publish() delivered to %d, want 2", n)
	}
	if n := bus.Publish(WakeManual); n != 0 {
		t.Errorf("Publish() with undrained subscribers delivered to %d, want 0", n)
	}

	if got := <-a; got != WakePush {
		t.Errorf("subscriber a got %q, want the first reason", got)
	}
	select {
	case got := <-a:
		t.Errorf("subscriber a got extra wake %q", got)
	default:
	}

	cancelB()
	cancelB()
	if n := bus.Subscribers(); n != 1 {
		t.Errorf("Subscribers() = %d, want 1", n)
	}
	<-b

	if n := bus.Publish(""); n != 1 {
		t.Errorf("Publish() delivered to %d, want 1", n)
	}
	if got := <-a; got != WakeManual {
		t.Errorf("empty reason delivered as %q, want %q", got, WakeManual)
	}
}
