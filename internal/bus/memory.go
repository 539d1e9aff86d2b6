package bus

import (
	"context"
	"iter"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/chatrelay/internal/clock"
)

// MemoryBus is an in-process Bus for tests and single-binary development.
type MemoryBus struct {
	mu      sync.Mutex
	clk     clock.Clock
	streams map[string]*memStream
	seq     uint64
	closed  bool
	failing int
	// notify is closed and replaced on every publish to wake consumers.
	notify chan struct{}
	done   chan struct{}
}

type memStream struct {
	entries  []Entry
	groups   map[string]*memGroup
	expireAt time.Time
}

type memGroup struct {
	next    int                // index of the next never-delivered entry
	pending map[string][]Entry // consumer -> unacknowledged entries in delivery order
}

// NewMemoryBus creates an in-memory bus. A nil clock uses wall time for
// stream expiry.
func NewMemoryBus(clk clock.Clock) *MemoryBus {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryBus{
		clk:     clk,
		streams: make(map[string]*memStream),
		notify:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// FailPublishes makes the next n Publish calls fail with ErrUnavailable.
func (b *MemoryBus) FailPublishes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing = n
}

// Len returns the number of entries currently retained in stream.
func (b *MemoryBus) Len(stream string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.liveStreamLocked(stream)
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Pending returns the number of unacknowledged entries for group.
func (b *MemoryBus) Pending(stream, group string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.liveStreamLocked(stream)
	if s == nil {
		return 0
	}
	g, ok := s.groups[group]
	if !ok {
		return 0
	}
	n := 0
	for _, entries := range g.pending {
		n += len(entries)
	}
	return n
}

// Publish appends payload to stream.
func (b *MemoryBus) Publish(_ context.Context, stream string, payload []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrClosed
	}
	if b.failing > 0 {
		b.failing--
		return "", ErrUnavailable
	}

	s := b.streamLocked(stream)
	b.seq++
	entry := Entry{
		ID:      strconv.FormatUint(b.seq, 10),
		Stream:  stream,
		Payload: append([]byte(nil), payload...),
		Seq:     b.seq,
	}
	s.entries = append(s.entries, entry)

	close(b.notify)
	b.notify = make(chan struct{})
	return entry.ID, nil
}

// EnsureGroup creates group on stream if missing.
func (b *MemoryBus) EnsureGroup(_ context.Context, stream, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.groupLocked(b.streamLocked(stream), group)
	return nil
}

// ExpireAt schedules stream for deletion at t.
func (b *MemoryBus) ExpireAt(_ context.Context, stream string, t time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if s := b.liveStreamLocked(stream); s != nil {
		s.expireAt = t
	}
	return nil
}

// Consume yields deliveries for consumer.
func (b *MemoryBus) Consume(ctx context.Context, stream, group, consumer string) iter.Seq2[*Delivery, error] {
	return func(yield func(*Delivery, error) bool) {
		replayed := make(map[string]bool)
		for ctx.Err() == nil {
			entry, wait, err := b.next(stream, group, consumer, replayed)
			if err != nil {
				yield(nil, err)
				return
			}
			if entry != nil {
				if !yield(b.delivery(stream, group, consumer, entry), nil) {
					return
				}
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				yield(nil, ErrClosed)
				return
			case <-wait:
			}
		}
	}
}

// next returns the next entry for consumer, or a channel to wait on.
func (b *MemoryBus) next(stream, group, consumer string, replayed map[string]bool) (*Entry, <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, ErrClosed
	}
	s := b.liveStreamLocked(stream)
	if s == nil {
		if _, expired := b.streams[stream]; expired {
			return nil, nil, ErrStreamGone
		}
		s = b.streamLocked(stream)
	}
	g := b.groupLocked(s, group)

	for _, e := range g.pending[consumer] {
		if !replayed[e.ID] {
			replayed[e.ID] = true
			return &e, nil, nil
		}
	}

	if g.next < len(s.entries) {
		e := s.entries[g.next]
		g.next++
		g.pending[consumer] = append(g.pending[consumer], e)
		replayed[e.ID] = true
		return &e, nil, nil
	}
	return nil, b.notify, nil
}

func (b *MemoryBus) delivery(stream, group, consumer string, e *Entry) *Delivery {
	return &Delivery{
		Entry: *e,
		ack: func(context.Context) error {
			b.mu.Lock()
			defer b.mu.Unlock()
			s, ok := b.streams[stream]
			if !ok {
				return nil
			}
			g, ok := s.groups[group]
			if !ok {
				return nil
			}
			list := g.pending[consumer]
			for i, p := range list {
				if p.ID == e.ID {
					g.pending[consumer] = append(list[:i], list[i+1:]...)
					break
				}
			}
			return nil
		},
	}
}

// Close wakes all consumers with ErrClosed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

func (b *MemoryBus) streamLocked(name string) *memStream {
	s := b.liveStreamLocked(name)
	if s == nil {
		s = &memStream{groups: make(map[string]*memGroup)}
		b.streams[name] = s
	}
	return s
}

// liveStreamLocked returns the stream unless it is missing or expired.
// Expired streams are kept as tombstones until recreated.
func (b *MemoryBus) liveStreamLocked(name string) *memStream {
	s, ok := b.streams[name]
	if !ok {
		return nil
	}
	if !s.expireAt.IsZero() && !b.clk.Now().Before(s.expireAt) {
		return nil
	}
	return s
}

func (b *MemoryBus) groupLocked(s *memStream, group string) *memGroup {
	g, ok := s.groups[group]
	if !ok {
		g = &memGroup{pending: make(map[string][]Entry)}
		s.groups[group] = g
	}
	return g
}
