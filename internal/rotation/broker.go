package rotation

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kenneth/image-keyring/internal/model"
)

// Progress is a point-in-time snapshot of a rotation.
type Progress struct {
	RotationID      uuid.UUID            `json:"rotation_id"`
	Status          model.RotationStatus `json:"status"`
	TotalImages     int64                `json:"total_images"`
	ProcessedImages int64                `json:"processed_images"`
	FailedImages    int64                `json:"failed_images"`
	PercentComplete float64              `json:"percent_complete"`
	StartedAt       time.Time            `json:"started_at"`
	CompletedAt     *time.Time           `json:"completed_at,omitempty"`
	UpdatedAt       time.Time            `json:"updated_at"`
	ErrorMessage    string               `json:"error_message,omitempty"`
}

// ProgressOf snapshots op.
func ProgressOf(op *model.RotationOperation) Progress {
	return Progress{
		RotationID:      op.ID,
		Status:          op.Status,
		TotalImages:     op.TotalImages,
		ProcessedImages: op.ProcessedImages,
		FailedImages:    op.FailedImages,
		PercentComplete: op.PercentComplete(),
		StartedAt:       op.StartedAt,
		CompletedAt:     cloneTime(op.CompletedAt),
		UpdatedAt:       op.UpdatedAt,
		ErrorMessage:    op.ErrorMessage,
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Broker fans progress snapshots out to subscribers per rotation.
//
// Each subscriber has a bounded buffer. When it is full the oldest queued
// snapshot is dropped, so Publish never blocks on a slow reader and a
// reader always ends up with the latest state. After a terminal snapshot
// every subscriber channel of that rotation is closed.
type Broker struct {
	mu     sync.Mutex
	buffer int
	subs   map[uuid.UUID]map[*subscriber]struct{}
}

type subscriber struct {
	ch     chan Progress
	closed bool
	// published is set once Publish has queued a snapshot.
	published bool
}

// NewBroker creates a broker with the given per-subscriber buffer size.
func NewBroker(buffer int) *Broker {
	if buffer < 1 {
		buffer = 1
	}
	return &Broker{
		buffer: buffer,
		subs:   make(map[uuid.UUID]map[*subscriber]struct{}),
	}
}

// Subscribe registers a subscriber for id. A non-nil initial snapshot is
// queued first; if it is terminal the returned channel is already closed
// after it. cancel unregisters and closes the channel; it is safe to call
// more than once.
func (b *Broker) Subscribe(id uuid.UUID, initial *Progress) (<-chan Progress, func()) {
	sub := &subscriber{ch: make(chan Progress, b.buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()

	if initial != nil {
		sub.ch <- *initial
		if initial.Status.Terminal() {
			sub.closed = true
			close(sub.ch)
			return sub.ch, func() {}
		}
	}

	set, ok := b.subs[id]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subs[id] = set
	}
	set[sub] = struct{}{}

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[id]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, id)
			}
		}
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
}

// Publish delivers p to every subscriber of its rotation without blocking.
func (b *Broker) Publish(p Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.subs[p.RotationID]
	for sub := range set {
		offer(sub.ch, p)
		sub.published = true
	}
	if p.Status.Terminal() {
		for sub := range set {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
		delete(b.subs, p.RotationID)
	}
}

// Seed delivers the snapshot p, read after ch was subscribed with no
// initial snapshot. It is dropped when a snapshot was already published to
// ch, since that one is at least as recent, unless p is terminal. A terminal
// p closes ch. Seeding a channel that is already closed does nothing.
func (b *Broker) Seed(ch <-chan Progress, p Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.subs[p.RotationID]
	for sub := range set {
		if (<-chan Progress)(sub.ch) != ch {
			continue
		}
		if !sub.published || p.Status.Terminal() {
			offer(sub.ch, p)
		}
		if p.Status.Terminal() {
			sub.closed = true
			close(sub.ch)
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, p.RotationID)
			}
		}
		return
	}
}

// SubscriberCount returns the number of live subscribers for id.
func (b *Broker) SubscriberCount(id uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[id])
}

// offer queues p, dropping the oldest queued value when ch is full. Only
// Publish and Seed send, under the broker lock, so one receive always makes room.
func offer(ch chan Progress, p Progress) {
	select {
	case ch <- p:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- p:
	default:
	}
}
