package cancelbridge

import (
	"context"
	"testing"

	"github.com/sourcegraph/jsonrpc2"
)

func TestSubscribeRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	id := jsonrpc2.ID{Num: 1}

	if _, err := r.Subscribe(id); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	if _, err := r.Subscribe(id); err != ErrAlreadySubscribed {
		t.Fatalf("second Subscribe = %v, want ErrAlreadySubscribed", err)
	}
}

func TestNotifyClosesReceiverAndCleansUp(t *testing.T) {
	r := NewRegistry()
	id := jsonrpc2.ID{Num: 1}

	recv, err := r.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	r.Notify(id)

	select {
	case _, open := <-recv:
		if open {
			t.Fatalf("expected channel to be closed, got a value")
		}
	default:
		t.Fatalf("expected channel to be closed already")
	}

	// Registry forgot the subscription, so a fresh Subscribe for the same
	// ID must succeed rather than returning ErrAlreadySubscribed.
	if _, err := r.Subscribe(id); err != nil {
		t.Fatalf("Subscribe after Notify: %v", err)
	}
}

func TestNotifyWithoutSubscriberIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Notify(jsonrpc2.ID{Num: 42}) // must not panic
}

func TestUnsubscribeDoesNotCloseChannel(t *testing.T) {
	r := NewRegistry()
	id := jsonrpc2.ID{Num: 7}

	recv, _ := r.Subscribe(id)
	r.Unsubscribe(id)

	select {
	case <-recv:
		t.Fatalf("Unsubscribe must not close the receiver")
	default:
	}
	if _, err := r.Subscribe(id); err != nil {
		t.Fatalf("Subscribe after Unsubscribe: %v", err)
	}
}

type fakeFanOut struct {
	calls []jsonrpc2.ID
}

func (f *fakeFanOut) FanOutCancel(ctx context.Context, upstreamID jsonrpc2.ID) {
	f.calls = append(f.calls, upstreamID)
}

func TestOnCancelNotifiesSubscriberAndFansOut(t *testing.T) {
	fake := &fakeFanOut{}
	b := NewBridge(fake)
	id := jsonrpc2.ID{Num: 9}

	recv, err := b.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	b.OnCancel(context.Background(), CancelParams{ID: id})

	select {
	case _, open := <-recv:
		if open {
			t.Fatalf("expected receiver to be closed after OnCancel")
		}
	default:
		t.Fatalf("expected receiver to be closed already")
	}
	if len(fake.calls) != 1 || fake.calls[0] != id {
		t.Fatalf("fake.calls = %+v, want exactly one call with %+v", fake.calls, id)
	}
}

func TestOnCancelWithNoSubscriberStillFansOut(t *testing.T) {
	fake := &fakeFanOut{}
	b := NewBridge(fake)
	id := jsonrpc2.ID{Num: 3}

	b.OnCancel(context.Background(), CancelParams{ID: id})

	if len(fake.calls) != 1 || fake.calls[0] != id {
		t.Fatalf("fake.calls = %+v, want exactly one call with %+v", fake.calls, id)
	}
}
