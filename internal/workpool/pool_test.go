package workpool

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsTasks(t *testing.T) {
	p := New("test", 3, 10)
	defer p.Close()

	var n int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.TrySubmit("inc", func(context.Context) error {
			atomic.AddInt32(&n, 1)
			return nil
		}))
	}
	p.Wait()
	assert.Equal(t, int32(10), atomic.LoadInt32(&n))
}

func TestPoolRejectsWhenFull(t *testing.T) {
	p := New("test", 1, 1)
	defer p.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.TrySubmit("blocker", func(context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started
	require.NoError(t, p.TrySubmit("queued", func(context.Context) error { return nil }))

	err := p.TrySubmit("overflow", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolFull)

	close(block)
	p.Wait()
}

func TestPoolSwallowsFailuresAndPanics(t *testing.T) {
	p := New("test", 1, 4)
	defer p.Close()

	var outcomes []error
	done := make(chan struct{}, 2)
	p.OnDone = func(_ string, err error) {
		outcomes = append(outcomes, err)
		done <- struct{}{}
	}

	require.NoError(t, p.TrySubmit("fails", func(context.Context) error { return errors.New("nope") }))
	require.NoError(t, p.TrySubmit("panics", func(context.Context) error { panic("boom") }))
	<-done
	<-done

	require.Len(t, outcomes, 2)
	assert.EqualError(t, outcomes[0], "nope")
	assert.Contains(t, outcomes[1].Error(), "boom")
}

func TestClosedPoolRejects(t *testing.T) {
	p := New("test", 1, 1)
	p.Close()
	p.Close()

	assert.ErrorIs(t, p.TrySubmit("late", func(context.Context) error { return nil }), ErrPoolClosed)
	assert.ErrorIs(t, p.Submit(context.Background(), "late", func(context.Context) error { return nil }), ErrPoolClosed)
}

func TestRegistryDedupesInFlightKeys(t *testing.T) {
	p := New("test", 1, 4)
	defer p.Close()
	r := NewRegistry()

	block := make(chan struct{})
	ok, err := r.Go(p, "k", "first", func(context.Context) error {
		<-block
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, r.Active("k"))

	ok, err = r.Go(p, "k", "second", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.False(t, ok, "key already in flight")

	close(block)
	p.Wait()
	assert.False(t, r.Active("k"))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryReleasesKeyWhenPoolRejects(t *testing.T) {
	p := New("test", 1, 1)
	p.Close()
	r := NewRegistry()

	ok, err := r.Go(p, "k", "late", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.False(t, ok)
	assert.False(t, r.Active("k"))
}
