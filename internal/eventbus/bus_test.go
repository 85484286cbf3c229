package eventbus

import (
	"sync"
	"testing"
)

func TestTopicDeliversInOrder(t *testing.T) {
	t.Parallel()
	var topic Topic[int]
	var got []string
	topic.Subscribe(func(v int) { got = append(got, "a") })
	topic.Subscribe(func(v int) { got = append(got, "b") })

	topic.Publish(1)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected delivery order: %v", got)
	}
}

func TestTopicUnsubscribe(t *testing.T) {
	t.Parallel()
	var topic Topic[string]
	calls := 0
	unsub := topic.Subscribe(func(string) { calls++ })
	topic.Publish("x")
	unsub()
	unsub()
	topic.Publish("y")
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if topic.Len() != 0 {
		t.Fatalf("Len = %d, want 0", topic.Len())
	}
}

func TestTopicChanDropsWhenFull(t *testing.T) {
	t.Parallel()
	var topic Topic[int]
	ch, unsub := topic.Chan(1)
	topic.Publish(1)
	topic.Publish(2)
	if v := <-ch; v != 1 {
		t.Fatalf("first value = %d, want 1", v)
	}
	if topic.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", topic.Dropped())
	}
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	topic.Publish(3)
}

func TestTopicConcurrentPublish(t *testing.T) {
	t.Parallel()
	var topic Topic[int]
	var mu sync.Mutex
	sum := 0
	topic.Subscribe(func(v int) {
		mu.Lock()
		sum += v
		mu.Unlock()
	})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			topic.Publish(1)
		}()
	}
	wg.Wait()
	if sum != 50 {
		t.Fatalf("sum = %d, want 50", sum)
	}
}
