package rotation

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/image-keyring/internal/model"
)

func drain(ch <-chan Progress) []Progress {
	var out []Progress
	for p := range ch {
		out = append(out, p)
	}
	return out
}

func TestBroker_DropsOldest(t *testing.T) {
	b := NewBroker(2)
	id := uuid.New()
	ch, cancel := b.Subscribe(id, nil)

	for i := int64(1); i <= 5; i++ {
		b.Publish(Progress{RotationID: id, Status: model.RotationRunning, ProcessedImages: i})
	}
	cancel()

	got := drain(ch)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].ProcessedImages)
	assert.Equal(t, int64(5), got[1].ProcessedImages)
}

func TestBroker_TerminalClosesSubscribers(t *testing.T) {
	b := NewBroker(8)
	id := uuid.New()
	other := uuid.New()
	a, cancelA := b.Subscribe(id, nil)
	defer cancelA()
	c, cancelC := b.Subscribe(id, nil)
	defer cancelC()
	o, cancelO := b.Subscribe(other, nil)
	defer cancelO()
	assert.Equal(t, 2, b.SubscriberCount(id))

	b.Publish(Progress{RotationID: id, Status: model.RotationRunning, ProcessedImages: 1})
	b.Publish(Progress{RotationID: id, Status: model.RotationCompleted, ProcessedImages: 2})

	for _, ch := range []<-chan Progress{a, c} {
		got := drain(ch)
		require.Len(t, got, 2)
		assert.Equal(t, model.RotationCompleted, got[1].Status)
	}
	assert.Zero(t, b.SubscriberCount(id))
	assert.Equal(t, 1, b.SubscriberCount(other))

	select {
	case <-o:
		t.Fatal("unrelated rotation received a snapshot")
	default:
	}
}

func TestBroker_InitialSnapshot(t *testing.T) {
	b := NewBroker(1)
	id := uuid.New()

	ch, cancel := b.Subscribe(id, &Progress{RotationID: id, Status: model.RotationFailed})
	got := drain(ch)
	require.Len(t, got, 1)
	assert.Equal(t, model.RotationFailed, got[0].Status)
	assert.Zero(t, b.SubscriberCount(id))
	cancel()

	live, cancelLive := b.Subscribe(id, &Progress{RotationID: id, Status: model.RotationPending})
	b.Publish(Progress{RotationID: id, Status: model.RotationRunning})
	p := <-live
	assert.Equal(t, model.RotationRunning, p.Status, "buffer of one keeps the newest")
	cancelLive()
	cancelLive()
	_, ok := <-live
	assert.False(t, ok)
}

func TestBroker_Seed(t *testing.T) {
	b := NewBroker(4)
	id := uuid.New()

	t.Run("first snapshot", func(t *testing.T) {
		ch, cancel := b.Subscribe(id, nil)
		defer cancel()
		b.Seed(ch, Progress{RotationID: id, Status: model.RotationRunning, ProcessedImages: 2})
		b.Publish(Progress{RotationID: id, Status: model.RotationCompleted, ProcessedImages: 4})
		got := drain(ch)
		require.Len(t, got, 2)
		assert.Equal(t, int64(2), got[0].ProcessedImages)
		assert.Equal(t, model.RotationCompleted, got[1].Status)
	})

	t.Run("stale after publish", func(t *testing.T) {
		ch, cancel := b.Subscribe(id, nil)
		defer cancel()
		b.Publish(Progress{RotationID: id, Status: model.RotationRunning, ProcessedImages: 6})
		b.Seed(ch, Progress{RotationID: id, Status: model.RotationRunning, ProcessedImages: 5})
		p := <-ch
		assert.Equal(t, int64(6), p.ProcessedImages)
		select {
		case p := <-ch:
			t.Fatalf("stale seed delivered: %+v", p)
		default:
		}
	})

	t.Run("terminal seed closes", func(t *testing.T) {
		ch, cancel := b.Subscribe(id, nil)
		b.Seed(ch, Progress{RotationID: id, Status: model.RotationCompleted})
		got := drain(ch)
		require.Len(t, got, 1)
		assert.Equal(t, model.RotationCompleted, got[0].Status)
		assert.Zero(t, b.SubscriberCount(id))
		cancel()
	})

	t.Run("after terminal publish", func(t *testing.T) {
		ch, cancel := b.Subscribe(id, nil)
		defer cancel()
		b.Publish(Progress{RotationID: id, Status: model.RotationFailed})
		b.Seed(ch, Progress{RotationID: id, Status: model.RotationRunning})
		got := drain(ch)
		require.Len(t, got, 1)
		assert.Equal(t, model.RotationFailed, got[0].Status)
	})
}

func TestBroker_PublishWithoutSubscribers(t *testing.T) {
	b := NewBroker(0)
	b.Publish(Progress{RotationID: uuid.New(), Status: model.RotationCompleted})
}

func TestProgressOf(t *testing.T) {
	op := &model.RotationOperation{ID: uuid.New(), Status: model.RotationRunning, TotalImages: 8, ProcessedImages: 4, FailedImages: 1}
	p := ProgressOf(op)
	assert.Equal(t, op.ID, p.RotationID)
	assert.Equal(t, 50.0, p.PercentComplete)

	empty := ProgressOf(&model.RotationOperation{Status: model.RotationRunning})
	assert.Equal(t, 100.0, empty.PercentComplete)
}
