package bus

import (
	"context"
	"testing"
	"time"
)

func TestLocalBusPublishSubscribeExact(t *testing.T) {
	b := NewLocalBus(8)
	defer b.Close()

	sub, err := b.Subscribe(context.Background(), "bar.BTCUSDT.1m.spot")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish(context.Background(), "bar.BTCUSDT.1m.spot", []byte("payload")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub.C():
		if string(msg.Payload) != "payload" {
			t.Fatalf("got payload %q", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestLocalBusWildcardMatch(t *testing.T) {
	b := NewLocalBus(8)
	defer b.Close()

	sub, err := b.Subscribe(context.Background(), "bar.*")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	b.Publish(context.Background(), "bar.ETHUSDT.5m.spot", []byte("a"))
	b.Publish(context.Background(), "ind.ETHUSDT.5m", []byte("b"))

	select {
	case msg := <-sub.C():
		if msg.Subject != "bar.ETHUSDT.5m.spot" {
			t.Fatalf("expected bar subject, got %q", msg.Subject)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for matched message")
	}

	select {
	case msg := <-sub.C():
		t.Fatalf("unexpected second delivery: %+v", msg)
	default:
	}
}

func TestLocalBusDropsOldestWhenFull(t *testing.T) {
	b := NewLocalBus(1)
	defer b.Close()

	sub, err := b.Subscribe(context.Background(), "ind.X.1m")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	b.Publish(context.Background(), "ind.X.1m", []byte("first"))
	b.Publish(context.Background(), "ind.X.1m", []byte("second"))

	select {
	case msg := <-sub.C():
		if string(msg.Payload) != "second" {
			t.Fatalf("expected the newer message to survive, got %q", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestLocalBusHistoryCapped(t *testing.T) {
	b := NewLocalBus(8)
	defer b.Close()

	for i := 0; i < ReplayCap+10; i++ {
		b.Publish(context.Background(), "bar.X.1m.spot", []byte("x"))
	}

	hist, err := b.History(context.Background(), "bar.X.1m.spot", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != ReplayCap {
		t.Fatalf("expected history capped at %d, got %d", ReplayCap, len(hist))
	}
}

func TestLocalBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewLocalBus(8)
	defer b.Close()

	sub, _ := b.Subscribe(context.Background(), "sig.dualma.BTCUSDT")
	sub.Unsubscribe()

	if err := b.Publish(context.Background(), "sig.dualma.BTCUSDT", []byte("x")); err != nil {
		t.Fatalf("publish after unrelated unsubscribe: %v", err)
	}

	_, ok := <-sub.C()
	if ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
}

func TestLocalBusCloseRejectsFurtherUse(t *testing.T) {
	b := NewLocalBus(8)
	b.Close()

	if _, err := b.Subscribe(context.Background(), "bar.*"); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := b.Publish(context.Background(), "bar.X.1m.spot", []byte("x")); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
