package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPoolGrantsUpToSize(t *testing.T) {
	t.Parallel()
	p := NewPool("test", 2)
	var releases []func()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Dispatch(func(rel func()) { releases = append(releases, rel) }))
	}
	require.Len(t, releases, 2)
	assert.Equal(t, Stats{Size: 2, Running: 2, Queued: 1}, p.Stats())

	releases[0]()
	require.Len(t, releases, 3, "released slot should pass to the waiter")
	assert.Equal(t, Stats{Size: 2, Running: 2, Queued: 0}, p.Stats())

	releases[1]()
	releases[2]()
	assert.Equal(t, Stats{Size: 2, Running: 0, Queued: 0}, p.Stats())
}

func TestPoolReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	p := NewPool("test", 1)
	var rel func()
	require.NoError(t, p.Dispatch(func(r func()) { rel = r }))
	rel()
	rel()
	assert.Equal(t, 0, p.Stats().Running)
}

func TestSingleServesInSubmissionOrder(t *testing.T) {
	t.Parallel()
	p := NewSingle("confined")
	var order []int
	var pending []func()
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, p.Dispatch(func(rel func()) {
			order = append(order, i)
			pending = append(pending, rel)
		}))
	}
	for len(pending) > 0 {
		next := pending[0]
		pending = pending[1:]
		next()
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestClosedPoolRejects(t *testing.T) {
	t.Parallel()
	p := NewPool("test", 1)
	p.Close()
	err := p.Dispatch(func(func()) { t.Fatal("grant after close") })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestInlineGrantsSynchronously(t *testing.T) {
	t.Parallel()
	called := false
	require.NoError(t, Inline.Dispatch(func(rel func()) {
		called = true
		rel()
	}))
	assert.True(t, called)
	assert.True(t, IsInline(Inline))
	assert.False(t, IsInline(NewPool("p", 1)))
}

func TestAcquireRespectsCancel(t *testing.T) {
	t.Parallel()
	p := NewPool("test", 1)
	hold, err := Acquire(context.Background(), p)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = Acquire(ctx, p)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the abandoned request hands its slot straight back
	hold()
	assert.Equal(t, Stats{Size: 1, Running: 0, Queued: 0}, p.Stats())
}

func TestLimitedViewsAreIndependent(t *testing.T) {
	t.Parallel()
	base := NewPool("base", 16)
	v1 := Limited(base, 2)
	v2 := base.Limited(3)

	var cur1, cur2, max1, max2, finished atomic.Int64
	block := make(chan struct{})
	var wg sync.WaitGroup
	run := func(d Dispatcher, cur, maxSeen *atomic.Int64) {
		require.NoError(t, d.Dispatch(func(rel func()) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer rel()
				c := cur.Add(1)
				for {
					m := maxSeen.Load()
					if c <= m || maxSeen.CompareAndSwap(m, c) {
						break
					}
				}
				<-block
				cur.Add(-1)
				finished.Add(1)
			}()
		}))
	}
	for i := 0; i < 10; i++ {
		run(v1, &cur1, &max1)
		run(v2, &cur2, &max2)
	}

	require.Eventually(t, func() bool {
		return cur1.Load() == 2 && cur2.Load() == 3
	}, time.Second, time.Millisecond)
	assert.Equal(t, 5, base.Stats().Running)

	close(block)
	require.Eventually(t, func() bool {
		return finished.Load() == 20 && base.Stats().Running == 0
	}, time.Second, time.Millisecond)
	wg.Wait()
	assert.LessOrEqual(t, max1.Load(), int64(2))
	assert.LessOrEqual(t, max2.Load(), int64(3))
}

func TestLimitedOverInline(t *testing.T) {
	t.Parallel()
	v := Limited(Inline, 1)
	var rel func()
	require.NoError(t, v.Dispatch(func(r func()) { rel = r }))
	queued := false
	require.NoError(t, v.Dispatch(func(r func()) {
		queued = true
		r()
	}))
	assert.False(t, queued)
	rel()
	assert.True(t, queued)
}
