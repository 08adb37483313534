package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("thread.", 4)
	defer unsub()

	b.Publish(Event{Kind: KindThreadChanged, Payload: ThreadChange{ThreadID: 7}})

	select {
	case evt := <-ch:
		change, ok := evt.Payload.(ThreadChange)
		if !ok || change.ThreadID != 7 {
			t.Errorf("payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 4)
	defer unsub()

	b.Publish(Event{Kind: KindThreadChanged})
	b.Publish(Event{Kind: KindMessageChanged})

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageChanged {
			t.Errorf("kind = %q", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("matching event not delivered")
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event %q", evt.Kind)
	default:
	}
}

func TestFullBufferDoesNotBlock(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe("", 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Kind: KindConversationListChanged})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 4)
	unsub()

	b.Publish(Event{Kind: KindThreadChanged})

	select {
	case evt, ok := <-ch:
		if ok {
			t.Errorf("received %q after unsubscribe", evt.Kind)
		}
	default:
	}
}
