package event

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBroadcaster_FanOutWithoutReplay(t *testing.T) {
	b := NewBroadcaster(4)
	b.Publish(UploadCreated, "before")

	s1 := b.Subscribe()
	s2 := b.Subscribe()
	assert.Equal(t, 2, b.Len())

	b.Publish(UploadProgress, 1)

	e1 := recv(t, s1)
	e2 := recv(t, s2)
	assert.Equal(t, UploadProgress, e1.Type)
	assert.Equal(t, UploadProgress, e2.Type)
	assert.Equal(t, 1, e1.Data)

	select {
	case e := <-s1.C:
		t.Fatalf("unexpected event %v", e)
	default:
	}
}

func TestBroadcaster_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroadcaster(2)
	slow := b.Subscribe()
	fast := b.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(UploadProgress, i)
			<-fast.C
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}

	assert.EqualValues(t, 8, slow.Dropped())
	assert.Zero(t, fast.Dropped())
	assert.Equal(t, 0, recv(t, slow).Data)
	assert.Equal(t, 1, recv(t, slow).Data)
}

func TestBroadcaster_UnsubscribeIsolated(t *testing.T) {
	b := NewBroadcaster(1)
	s1 := b.Subscribe()
	s2 := b.Subscribe()

	b.Unsubscribe(s1)
	b.Unsubscribe(s1)
	_, ok := <-s1.C
	assert.False(t, ok)

	b.Publish(ClientConnected, "x")
	assert.Equal(t, ClientConnected, recv(t, s2).Type)

	b.Close()
	_, ok = <-s2.C
	assert.False(t, ok)

	late := b.Subscribe()
	_, ok = <-late.C
	assert.False(t, ok)
	b.Publish(ClientConnected, "ignored")
}

func TestBroadcaster_ConcurrentPublishAndSubscribe(t *testing.T) {
	b := NewBroadcaster(8)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(UploadProgress, j)
			}
		}()
		go func() {
			defer wg.Done()
			sub := b.Subscribe()
			b.Unsubscribe(sub)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, b.Len())
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func (s *recordingSink) Name() string { return "test" }

func (s *recordingSink) Send(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestRelay_ForwardsUntilCancelled(t *testing.T) {
	b := NewBroadcaster(8)
	sink := &recordingSink{fail: true}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		Relay(ctx, b, sink)
		close(done)
	}()
	require.Eventually(t, func() bool { return b.Len() == 1 }, time.Second, 5*time.Millisecond)

	b.Publish(UploadCompleted, "a")
	b.Publish(UploadCompleted, "b")
	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, 0, b.Len())
	assert.True(t, sink.closed)
}
