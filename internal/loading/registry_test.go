package loading

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rendis/pulse/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects every snapshot a listener receives.
type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) listen(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, len(r.snaps))
	copy(out, r.snaps)
	return out
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(WithLogger(logging.Discard()))
}

func TestStartStop(t *testing.T) {
	r := newTestRegistry(t)

	assert.False(t, r.IsLoading("content.create"))

	r.Start("content.create", StartOptions{Message: "saving"})
	assert.True(t, r.IsLoading("content.create"))

	e, ok := r.Get("content.create")
	require.True(t, ok)
	assert.Equal(t, "saving", e.Message)
	assert.False(t, e.HasProgress)

	r.UpdateProgress("content.create", 150)
	e, _ = r.Get("content.create")
	assert.Equal(t, 100.0, e.Progress)
	assert.True(t, e.HasProgress)

	r.Stop("content.create")
	assert.False(t, r.IsLoading("content.create"))
	_, ok = r.Get("content.create")
	assert.False(t, ok)
}

func TestStartOverwrites(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r := New(WithLogger(logging.Discard()), WithClock(func() time.Time { return now }))

	r.Start("k", StartOptions{Operation: "publish", Message: "first"})
	r.UpdateProgress("k", 40)

	now = now.Add(time.Minute)
	r.Start("k", StartOptions{Message: "second"})

	e, ok := r.Get("k")
	require.True(t, ok)
	assert.Equal(t, "second", e.Message)
	assert.Equal(t, "", e.Operation)
	assert.False(t, e.HasProgress)
	assert.Equal(t, now, e.StartedAt)
	assert.Len(t, r.Keys(), 1)
}

func TestClampProgress(t *testing.T) {
	cases := map[float64]float64{
		-20:          0,
		0:            0,
		37.5:         37.5,
		100:          100,
		100.0001:     100,
		math.Inf(1):  100,
		math.Inf(-1): 0,
	}
	for in, want := range cases {
		assert.Equal(t, want, ClampProgress(in), "input %v", in)
	}
	assert.Equal(t, 0.0, ClampProgress(math.NaN()))
}

func TestUpdateProgressWithMessage(t *testing.T) {
	r := newTestRegistry(t)
	r.Start("k", StartOptions{Message: "queued"})

	r.UpdateProgress("k", 10)
	e, _ := r.Get("k")
	assert.Equal(t, "queued", e.Message, "message untouched without argument")

	r.UpdateProgress("k", 20, "drafting")
	e, _ = r.Get("k")
	assert.Equal(t, "drafting", e.Message)
	assert.Equal(t, 20.0, e.Progress)

	r.UpdateMessage("k", "polishing")
	e, _ = r.Get("k")
	assert.Equal(t, "polishing", e.Message)
	assert.Equal(t, 20.0, e.Progress)
}

func TestUpdatesOnAbsentKeyAreNoOps(t *testing.T) {
	r := newTestRegistry(t)
	rec := &recorder{}
	r.Subscribe(rec.listen)

	r.UpdateProgress("ghost", 50)
	r.UpdateMessage("ghost", "boo")
	r.Stop("ghost")

	assert.False(t, r.IsLoading("ghost"))
	assert.Empty(t, rec.all())
	assert.False(t, r.AnyLoading())
}

func TestSubscribeReceivesEveryMutation(t *testing.T) {
	r := newTestRegistry(t)
	rec := &recorder{}
	unsubscribe := r.Subscribe(rec.listen)
	defer unsubscribe()

	r.Start("x", StartOptions{})
	r.UpdateProgress("x", 10)
	r.UpdateProgress("x", 20)
	r.UpdateMessage("x", "almost")
	r.Stop("x")

	snaps := rec.all()
	require.Len(t, snaps, 5)
	assert.Contains(t, snaps[0], "x")
	assert.Equal(t, 10.0, snaps[1]["x"].Progress)
	assert.Equal(t, 20.0, snaps[2]["x"].Progress)
	assert.Equal(t, "almost", snaps[3]["x"].Message)
	assert.NotContains(t, snaps[4], "x")
}

func TestSnapshotsAreCopies(t *testing.T) {
	r := newTestRegistry(t)

	r.Subscribe(func(s Snapshot) {
		delete(s, "x")
		s["forged"] = Entry{Key: "forged"}
	})
	rec := &recorder{}
	r.Subscribe(rec.listen)

	r.Start("x", StartOptions{Message: "real"})

	assert.True(t, r.IsLoading("x"))
	assert.False(t, r.IsLoading("forged"))
	snaps := rec.all()
	require.Len(t, snaps, 1)
	assert.Contains(t, snaps[0], "x", "second listener sees an untouched copy")

	external := r.Snapshot()
	delete(external, "x")
	assert.True(t, r.IsLoading("x"))
}

func TestUnsubscribe(t *testing.T) {
	r := newTestRegistry(t)
	rec := &recorder{}
	unsubscribe := r.Subscribe(rec.listen)

	r.Start("a", StartOptions{})
	unsubscribe()
	unsubscribe()
	r.Stop("a")

	assert.Len(t, rec.all(), 1)
}

func TestListenerPanicIsIsolated(t *testing.T) {
	var buf bytes.Buffer
	r := New(WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	r.Subscribe(func(Snapshot) { panic("listener exploded") })
	rec := &recorder{}
	r.Subscribe(rec.listen)

	assert.NotPanics(t, func() { r.Start("k", StartOptions{}) })
	assert.True(t, r.IsLoading("k"))
	assert.Len(t, rec.all(), 1)
	assert.Contains(t, buf.String(), "loading listener panicked")
	assert.Contains(t, buf.String(), "listener exploded")
}

func TestListenerMayCallBack(t *testing.T) {
	r := newTestRegistry(t)
	r.Subscribe(func(s Snapshot) {
		if e, ok := s["parent"]; ok && !e.HasProgress {
			r.UpdateProgress("parent", 1)
		}
	})

	done := make(chan struct{})
	go func() {
		r.Start("parent", StartOptions{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("re-entrant listener deadlocked")
	}
	e, _ := r.Get("parent")
	assert.Equal(t, 1.0, e.Progress)
}

func TestRunScopedSuccess(t *testing.T) {
	r := newTestRegistry(t)
	rec := &recorder{}
	r.Subscribe(rec.listen)

	var sawLoading bool
	var sawKey string
	err := r.RunScoped(context.Background(), "content.publish", func(ctx context.Context) error {
		sawLoading = r.IsLoading("content.publish")
		sawKey = logging.LoadingKey(ctx)
		return nil
	}, StartOptions{Operation: "publish"})

	require.NoError(t, err)
	assert.True(t, sawLoading)
	assert.Equal(t, "content.publish", sawKey)
	assert.False(t, r.IsLoading("content.publish"))

	snaps := rec.all()
	require.Len(t, snaps, 2)
	assert.Equal(t, "publish", snaps[0]["content.publish"].Operation)
	assert.Empty(t, snaps[1])
}

func TestRunScopedFailureRethrows(t *testing.T) {
	r := newTestRegistry(t)
	boom := errors.New("upstream 503")

	err := r.RunScoped(context.Background(), "content.publish", func(context.Context) error {
		return boom
	}, StartOptions{})

	assert.Same(t, boom, err)
	assert.False(t, r.IsLoading("content.publish"))
}

func TestRunScopedPanicStillStops(t *testing.T) {
	r := newTestRegistry(t)

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = r.RunScoped(context.Background(), "k", func(context.Context) error {
			panic("kaboom")
		}, StartOptions{})
	})
	assert.False(t, r.IsLoading("k"))
}

func TestRunScopedValue(t *testing.T) {
	r := newTestRegistry(t)

	n, err := RunScopedValue(context.Background(), r, "count", func(ctx context.Context) (int, error) {
		r.UpdateProgress(logging.LoadingKey(ctx), 50)
		return 42, nil
	}, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.False(t, r.IsLoading("count"))

	_, err = RunScopedValue(context.Background(), r, "count", func(context.Context) (string, error) {
		return "", context.DeadlineExceeded
	}, StartOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, r.IsLoading("count"))
}

func TestEntryTiming(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := Entry{StartedAt: start, EstimatedDuration: 10 * time.Second}

	assert.Equal(t, 4*time.Second, e.Elapsed(start.Add(4*time.Second)))
	assert.Equal(t, 6*time.Second, e.Remaining(start.Add(4*time.Second)))
	assert.Zero(t, e.Remaining(start.Add(time.Minute)))
	assert.Zero(t, e.Elapsed(start.Add(-time.Second)))
	assert.Zero(t, Entry{StartedAt: start}.Remaining(start))
}

func TestKeysSorted(t *testing.T) {
	r := newTestRegistry(t)
	r.Start("b", StartOptions{})
	r.Start("a", StartOptions{})
	r.Start("c", StartOptions{})
	assert.Equal(t, []string{"a", "b", "c"}, r.Keys())
	assert.True(t, r.AnyLoading())
}

func TestConcurrentAccess(t *testing.T) {
	r := newTestRegistry(t)
	r.Subscribe(func(Snapshot) {})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i))
			_ = r.RunScoped(context.Background(), key, func(context.Context) error {
				for p := 0; p <= 100; p += 25 {
					r.UpdateProgress(key, float64(p))
				}
				return nil
			}, StartOptions{})
		}(i)
	}
	wg.Wait()

	assert.False(t, r.AnyLoading())
}
