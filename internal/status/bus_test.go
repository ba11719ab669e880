package status

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/chmdznr/journal-sync/pkg/models"
)

func TestBus_DeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a, cancelA := bus.Subscribe(4)
	defer cancelA()
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	bus.Publish(models.Started(models.JobBackup))
	bus.Publish(models.Finished(models.JobBackup, nil))

	for _, ch := range []<-chan models.Event{a, b} {
		assert.Equal(t, models.PhaseStarted, (<-ch).Phase)
		assert.Equal(t, models.PhaseSucceeded, (<-ch).Phase)
	}
}

func TestBus_LateSubscriberGetsLatest(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, ok := bus.Latest()
	assert.False(t, ok)

	bus.Publish(models.Started(models.JobRestore))
	bus.Publish(models.Finished(models.JobRestore, errors.New("offline")))

	ch, cancel := bus.Subscribe(1)
	defer cancel()

	ev := <-ch
	assert.Equal(t, models.JobRestore, ev.Kind)
	assert.Equal(t, models.PhaseFailed, ev.Phase)
	assert.EqualError(t, ev.Err, "offline")

	latest, ok := bus.Latest()
	require.True(t, ok)
	assert.Equal(t, models.PhaseFailed, latest.Phase)
}

func TestBus_SlowSubscriberKeepsLatest(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(2)
	defer cancel()

	// never read while publishing
	bus.Publish(models.Started(models.JobBackup))
	bus.Publish(models.Finished(models.JobBackup, nil))
	bus.Publish(models.Started(models.JobRestore))
	bus.Publish(models.Finished(models.JobRestore, nil))

	first := <-ch
	last := <-ch
	assert.Equal(t, models.JobRestore, first.Kind)
	assert.Equal(t, models.PhaseStarted, first.Phase)
	assert.Equal(t, models.JobRestore, last.Kind)
	assert.Equal(t, models.PhaseSucceeded, last.Phase)
}

func TestBus_UnsubscribeAndClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	bus := NewBus()

	ch, cancel := bus.Subscribe(1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range ch {
		}
	}()
	cancel()
	cancel()
	wg.Wait()

	other, _ := bus.Subscribe(1)
	bus.Close()
	_, ok := <-other
	assert.False(t, ok)

	bus.Publish(models.Started(models.JobBackup))
	closed, _ := bus.Subscribe(1)
	_, ok = <-closed
	assert.False(t, ok)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(models.Started(models.JobBackup))
			}
		}()
	}
	wg.Wait()

	select {
	case ev := <-ch:
		assert.Equal(t, models.JobBackup, ev.Kind)
	default:
		t.Fatal("subscriber lost every event")
	}
	cancel()
	bus.Close()
}

func TestWaitTerminal(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(8)
	defer cancel()

	bus.Publish(models.Started(models.JobBackup))
	bus.Publish(models.Finished(models.JobRestore, nil))
	bus.Publish(models.Finished(models.JobBackup, errors.New("denied")))

	ctx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	ev, err := WaitTerminal(ctx, ch, models.JobBackup)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseFailed, ev.Phase)

	canceled, cancelCtx := context.WithCancel(context.Background())
	cancelCtx()
	_, err = WaitTerminal(canceled, ch, models.JobBackup)
	assert.ErrorIs(t, err, context.Canceled)

	bus.Close()
	_, err = WaitTerminal(context.Background(), ch, models.JobBackup)
	assert.ErrorIs(t, err, ErrClosed)
}
