package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collected struct {
	mu  sync.Mutex
	ids []string
}

func (c *collected) listener(e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, e.SessionID)
	return nil
}

func (c *collected) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	d := NewDispatcher(16)
	var c collected
	d.Subscribe("collect", c.listener)

	for _, id := range []string{"a", "b", "c"} {
		d.Publish(Event{Type: EventCreated, SessionID: id})
	}
	d.Close()

	assert.Equal(t, []string{"a", "b", "c"}, c.get())
}

func TestDispatcher_IsolatesFailingListeners(t *testing.T) {
	d := NewDispatcher(16)
	var c collected
	d.Subscribe("panics", func(Event) error { panic("boom") })
	d.Subscribe("fails", func(Event) error { return errors.New("nope") })
	d.Subscribe("collect", c.listener)

	d.Publish(Event{Type: EventDeleted, SessionID: "a"})
	d.Publish(Event{Type: EventDeleted, SessionID: "b"})
	d.Close()

	assert.Equal(t, []string{"a", "b"}, c.get())
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	d := NewDispatcher(1)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var c collected
	d.Subscribe("slow", func(e Event) error {
		once.Do(func() { close(started) })
		<-release
		return c.listener(e)
	})

	d.Publish(Event{SessionID: "first"})
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("listener never started")
	}
	d.Publish(Event{SessionID: "queued"})

	done := make(chan struct{})
	go func() {
		d.Publish(Event{SessionID: "dropped"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full queue")
	}

	close(release)
	d.Close()
	assert.Equal(t, []string{"first", "queued"}, c.get())
}

func TestDispatcher_PublishAfterClose(t *testing.T) {
	d := NewDispatcher(4)
	d.Close()
	d.Close()

	require.NotPanics(t, func() {
		d.Publish(Event{SessionID: "late"})
	})
}
