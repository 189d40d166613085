package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInProcessBusDeliversSignal(t *testing.T) {
	bus := NewInProcessBus()
	defer bus.Close()

	ch, cancel, err := bus.Subscribe(context.Background(), TopicCatalog)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := bus.Publish(context.Background(), TopicCatalog); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a signal")
	}
}

func TestInProcessBusCoalescesSignals(t *testing.T) {
	bus := NewInProcessBus()
	defer bus.Close()

	ch, cancel, err := bus.Subscribe(context.Background(), TopicOrders)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	for i := 0; i < 5; i++ {
		if err := bus.Publish(context.Background(), TopicOrders); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected at least one signal")
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected coalesced signals, got a second buffered one")
		}
	default:
	}
}

func TestInProcessBusTopicsAreIndependent(t *testing.T) {
	bus := NewInProcessBus()
	defer bus.Close()

	catalog, cancelCatalog, err := bus.Subscribe(context.Background(), TopicCatalog)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancelCatalog()

	if err := bus.Publish(context.Background(), TopicOrders); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-catalog:
		t.Fatal("catalog subscriber received an orders signal")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInProcessBusCancelClosesChannel(t *testing.T) {
	bus := NewInProcessBus()
	defer bus.Close()

	ch, cancel, err := bus.Subscribe(context.Background(), TopicCatalog)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestRedisBusCancelIsConcurrencySafe(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	bus := NewRedisBus(client, "pos")
	ch, cancel, err := bus.Subscribe(context.Background(), TopicCatalog)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cancel()
		}()
	}
	wg.Wait()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestRedisBusDeliversSignal(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	bus := NewRedisBus(client, "pos")
	ch, cancel, err := bus.Subscribe(context.Background(), TopicOrders)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := bus.Publish(context.Background(), TopicOrders); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a signal via redis")
	}
}
