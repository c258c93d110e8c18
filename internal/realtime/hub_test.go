package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumen-live/backend/internal/models"
)

// fakeCounter tracks per-stream counts in memory, optionally failing.
type fakeCounter struct {
	mu     sync.Mutex
	counts map[uuid.UUID]int
	incs   int
	decs   int
	fail   bool
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: make(map[uuid.UUID]int)}
}

func (f *fakeCounter) IncrementViewers(_ context.Context, streamID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errors.New("registry unavailable")
	}
	f.incs++
	f.counts[streamID]++
	return f.counts[streamID], nil
}

func (f *fakeCounter) DecrementViewers(_ context.Context, streamID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errors.New("registry unavailable")
	}
	f.decs++
	if f.counts[streamID] > 0 {
		f.counts[streamID]--
	}
	return f.counts[streamID], nil
}

func (f *fakeCounter) count(streamID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[streamID]
}

// fakeSub buffers delivered envelopes.
type fakeSub struct {
	id     string
	viewer uuid.UUID
	mu     sync.Mutex
	inbox  []Envelope
	full   bool
}

func newFakeSub(name string) *fakeSub {
	return &fakeSub{id: name, viewer: uuid.New()}
}

func (f *fakeSub) ConnectionID() string { return f.id }
func (f *fakeSub) ViewerID() uuid.UUID  { return f.viewer }

func (f *fakeSub) Deliver(msg Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.inbox = append(f.inbox, msg)
	return true
}

func (f *fakeSub) received(event string) []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Envelope
	for _, m := range f.inbox {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSub) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.inbox))
	for i, m := range f.inbox {
		out[i] = m.Event
	}
	return out
}

func newTestHub(counter ViewerCounter) *Hub {
	return NewHub(counter, nil, zap.NewNop())
}

func TestHub_JoinIsIdempotent(t *testing.T) {
	counter := newFakeCounter()
	hub := newTestHub(counter)
	streamID := uuid.New()
	sub := newFakeSub("conn-1")
	ctx := context.Background()

	hub.Join(ctx, streamID, sub)
	hub.Join(ctx, streamID, sub)
	hub.Join(ctx, streamID, sub)

	assert.Equal(t, 1, hub.Count(streamID))
	assert.Equal(t, 1, counter.incs, "retransmitted join must not double count")
	assert.Len(t, sub.received(models.EventViewerJoined), 1)
}

func TestHub_CountsReflectJoinsMinusLeaves(t *testing.T) {
	counter := newFakeCounter()
	hub := newTestHub(counter)
	streamID := uuid.New()
	ctx := context.Background()

	subs := make([]*fakeSub, 5)
	for i := range subs {
		subs[i] = newFakeSub(fmt.Sprintf("conn-%d", i))
		hub.Join(ctx, streamID, subs[i])
	}
	require.Equal(t, 5, hub.Count(streamID))
	require.Equal(t, 5, counter.count(streamID))

	hub.Leave(ctx, streamID, subs[0].id)
	hub.Leave(ctx, streamID, subs[1].id)
	assert.Equal(t, 3, hub.Count(streamID))
	assert.Equal(t, 3, counter.count(streamID))

	// Leaving twice, or without having joined, changes nothing.
	hub.Leave(ctx, streamID, subs[0].id)
	hub.Leave(ctx, streamID, "never-joined")
	assert.Equal(t, 3, hub.Count(streamID))
	assert.Equal(t, 3, counter.count(streamID))
}

func TestHub_DropConnectionLeavesEveryStream(t *testing.T) {
	counter := newFakeCounter()
	hub := newTestHub(counter)
	streamA, streamB := uuid.New(), uuid.New()
	sub := newFakeSub("conn-1")
	watcher := newFakeSub("conn-2")
	ctx := context.Background()

	hub.Join(ctx, streamA, sub)
	hub.Join(ctx, streamB, sub)
	hub.Join(ctx, streamA, watcher)

	hub.DropConnection(ctx, sub.id)

	assert.False(t, hub.IsMember(streamA, sub.id))
	assert.False(t, hub.IsMember(streamB, sub.id))
	assert.Equal(t, 1, hub.Count(streamA))
	assert.Equal(t, 0, hub.Count(streamB))
	assert.Equal(t, 0, counter.count(streamB))
	assert.Len(t, watcher.received(models.EventViewerLeft), 1)
}

func TestHub_DropStreamClearsMembershipWithoutDecrements(t *testing.T) {
	counter := newFakeCounter()
	hub := newTestHub(counter)
	streamID := uuid.New()
	ctx := context.Background()

	a, b := newFakeSub("conn-a"), newFakeSub("conn-b")
	hub.Join(ctx, streamID, a)
	hub.Join(ctx, streamID, b)

	hub.DropStream(streamID)

	assert.Equal(t, 0, hub.Count(streamID))
	assert.False(t, hub.IsMember(streamID, a.id))
	// The lifecycle transition zeroes the persisted count; the hub must not
	// decrement on top of that.
	assert.Equal(t, 0, counter.decs)
}

func TestHub_BroadcastReachesMembersInOrder(t *testing.T) {
	hub := newTestHub(newFakeCounter())
	streamID, otherStream := uuid.New(), uuid.New()
	member := newFakeSub("conn-1")
	outsider := newFakeSub("conn-2")
	ctx := context.Background()

	hub.Join(ctx, streamID, member)
	hub.Join(ctx, otherStream, outsider)

	for i := 0; i < 10; i++ {
		hub.Broadcast(streamID, models.EventChatMessage, models.ChatMessage{
			ID:       uuid.New(),
			StreamID: streamID,
			Text:     fmt.Sprintf("msg-%d", i),
		})
	}

	got := member.received(models.EventChatMessage)
	require.Len(t, got, 10)
	for i, env := range got {
		var msg models.ChatMessage
		require.NoError(t, json.Unmarshal(env.Data, &msg))
		assert.Equal(t, fmt.Sprintf("msg-%d", i), msg.Text, "per-stream order must match accept order")
	}
	assert.Empty(t, outsider.received(models.EventChatMessage), "events stay on their stream's channel")
}

func TestHub_SlowSubscriberMissesMessages(t *testing.T) {
	hub := newTestHub(newFakeCounter())
	streamID := uuid.New()
	slow := newFakeSub("conn-slow")
	healthy := newFakeSub("conn-ok")
	ctx := context.Background()

	hub.Join(ctx, streamID, slow)
	hub.Join(ctx, streamID, healthy)
	slow.full = true

	hub.Broadcast(streamID, models.EventChatMessage, models.ChatMessage{Text: "hello"})

	assert.Empty(t, slow.received(models.EventChatMessage))
	assert.Len(t, healthy.received(models.EventChatMessage), 1, "one slow member never blocks the rest")
	assert.True(t, hub.IsMember(streamID, slow.id), "a dropped message does not evict the member")
}

func TestHub_CounterFailureKeepsMembership(t *testing.T) {
	counter := newFakeCounter()
	counter.fail = true
	hub := newTestHub(counter)
	streamID := uuid.New()
	sub := newFakeSub("conn-1")
	ctx := context.Background()

	hub.Join(ctx, streamID, sub)

	assert.True(t, hub.IsMember(streamID, sub.id), "presence is authoritative in memory")
	assert.Equal(t, 1, hub.Count(streamID))
	require.Len(t, sub.received(models.EventViewerJoined), 1, "join is still announced")
}

func TestHub_ViewerEventsCarryCounts(t *testing.T) {
	hub := newTestHub(newFakeCounter())
	streamID := uuid.New()
	first := newFakeSub("conn-1")
	second := newFakeSub("conn-2")
	ctx := context.Background()

	hub.Join(ctx, streamID, first)
	hub.Join(ctx, streamID, second)
	hub.Leave(ctx, streamID, second.id)

	events := first.events()
	require.Equal(t, []string{models.EventViewerJoined, models.EventViewerJoined, models.EventViewerLeft}, events)

	var left models.ViewerEvent
	require.NoError(t, json.Unmarshal(first.received(models.EventViewerLeft)[0].Data, &left))
	assert.Equal(t, 1, left.NewCount)
	assert.Equal(t, second.viewer, left.ViewerID)
}
