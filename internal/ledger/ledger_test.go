// ABOUTME: Tests for job creation, polling visibility, ownership and reporting
// ABOUTME: Includes the concurrent report scenario against a single jobs document

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dispatch/internal/notify"
	"github.com/2389/coven-dispatch/internal/store"
)

type fakeAgents map[string]bool

func (f fakeAgents) Exists(_ context.Context, id string) (bool, error) {
	return f[id], nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func newTestLedger(t *testing.T, agents ...string) *Ledger {
	t.Helper()
	known := fakeAgents{}
	for _, a := range agents {
		known[a] = true
	}
	return New(store.NewMemoryStore(), known, nil)
}

func TestCreate_UnknownAgent(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Create(context.Background(), CreateParams{AgentID: "ghost"})
	assert.ErrorIs(t, err, ErrAgentNotFound)

	jobs, err := l.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, jobs.Len())
}

func TestCreate_IsPending(t *testing.T) {
	l := newTestLedger(t, "h1")
	ctx := context.Background()

	id, err := l.Create(ctx, CreateParams{AgentID: "h1", Args: []string{"https://x.git", "d.com"}})
	require.NoError(t, err)

	j, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, []string{"https://x.git", "d.com"}, j.Args)
	assert.Equal(t, j.Created, j.Updated)
}

func TestPendingFor_OnlyOwnJobs(t *testing.T) {
	l := newTestLedger(t, "a", "b")
	ctx := context.Background()

	a1, err := l.Create(ctx, CreateParams{AgentID: "a"})
	require.NoError(t, err)
	_, err = l.Create(ctx, CreateParams{AgentID: "b"})
	require.NoError(t, err)
	a2, err := l.Create(ctx, CreateParams{AgentID: "a"})
	require.NoError(t, err)

	pending, err := l.PendingFor(ctx, "a")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, a1, pending[0].JobID)
	assert.Equal(t, a2, pending[1].JobID)
	for _, j := range pending {
		assert.Equal(t, "a", j.AgentID)
	}
}

func TestPendingFor_NoJobsIsEmptySlice(t *testing.T) {
	l := newTestLedger(t, "a")
	pending, err := l.PendingFor(context.Background(), "a")
	require.NoError(t, err)
	assert.NotNil(t, pending)
	assert.Empty(t, pending)
}

func TestReport_Lifecycle(t *testing.T) {
	l := newTestLedger(t, "h1")
	ctx := context.Background()

	id, err := l.Create(ctx, CreateParams{AgentID: "h1", Args: []string{"https://x.git", "d.com"}})
	require.NoError(t, err)

	pending, err := l.PendingFor(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].JobID)

	require.NoError(t, l.Report(ctx, id, "h1", StatusDone, "ok"))

	pending, err = l.PendingFor(ctx, "h1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	jobs, err := l.List(ctx)
	require.NoError(t, err)
	j, ok := jobs.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusDone, j.Status)
	assert.Equal(t, "ok", j.Output)
}

func TestReport_Errors(t *testing.T) {
	l := newTestLedger(t, "a", "b")
	ctx := context.Background()

	id, err := l.Create(ctx, CreateParams{AgentID: "a"})
	require.NoError(t, err)
	before, err := l.Get(ctx, id)
	require.NoError(t, err)

	err = l.Report(ctx, "missing", "a", StatusDone, "")
	assert.ErrorIs(t, err, ErrJobNotFound)

	err = l.Report(ctx, id, "b", StatusDone, "stolen")
	assert.ErrorIs(t, err, ErrNotOwner)

	after, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestReport_LastWriteWins(t *testing.T) {
	l := newTestLedger(t, "a")
	ctx := context.Background()

	id, err := l.Create(ctx, CreateParams{AgentID: "a"})
	require.NoError(t, err)

	require.NoError(t, l.Report(ctx, id, "a", StatusDone, "first"))
	require.NoError(t, l.Report(ctx, id, "a", StatusPending, "stale"))

	j, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, "stale", j.Output)
}

func TestReport_EmptyStatusStoredVerbatim(t *testing.T) {
	l := newTestLedger(t, "a")
	ctx := context.Background()

	id, err := l.Create(ctx, CreateParams{AgentID: "a"})
	require.NoError(t, err)
	require.NoError(t, l.Report(ctx, id, "a", "", "no status"))

	j, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "", j.Status)
	assert.Equal(t, "no status", j.Output)

	pending, err := l.PendingFor(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReport_ConcurrentDistinctJobs(t *testing.T) {
	l := newTestLedger(t, "a")
	ctx := context.Background()

	const n = 40
	ids := make([]string, n)
	for i := range ids {
		id, err := l.Create(ctx, CreateParams{AgentID: "a"})
		require.NoError(t, err)
		ids[i] = id
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			status := StatusDone
			if i%2 == 1 {
				status = StatusFailed
			}
			errs <- l.Report(ctx, id, "a", status, fmt.Sprintf("out-%d", i))
		}(i, id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	jobs, err := l.List(ctx)
	require.NoError(t, err)
	for i, id := range ids {
		j, ok := jobs.Get(id)
		require.True(t, ok)
		want := StatusDone
		if i%2 == 1 {
			want = StatusFailed
		}
		assert.Equal(t, want, j.Status, "job %d", i)
		assert.Equal(t, fmt.Sprintf("out-%d", i), j.Output)
	}

	pending, err := l.PendingFor(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHasPendingReference(t *testing.T) {
	l := newTestLedger(t, "a", "b")
	ctx := context.Background()

	id, err := l.Create(ctx, CreateParams{AgentID: "a", EnvToken: "env_abc"})
	require.NoError(t, err)

	ok, err := l.HasPendingReference(ctx, "a", "env_abc")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.HasPendingReference(ctx, "b", "env_abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Report(ctx, id, "a", StatusDone, ""))
	ok, err = l.HasPendingReference(ctx, "a", "env_abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEventsPublished(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	l := New(store.NewMemoryStore(), fakeAgents{"a": true}, nil, WithPublisher(pub))
	ctx := context.Background()

	id, err := l.Create(ctx, CreateParams{AgentID: "a"})
	require.NoError(t, err, "publish failures must not fail the operation")
	require.NoError(t, l.Report(ctx, id, "a", StatusFailed, "boom"))

	require.Len(t, pub.events, 2)
	assert.Equal(t, notify.KindJobCreated, pub.events[0].Kind)
	assert.Equal(t, StatusPending, pub.events[0].Status)
	assert.Equal(t, notify.KindJobReported, pub.events[1].Kind)
	assert.Equal(t, StatusFailed, pub.events[1].Status)
	assert.Equal(t, "a", pub.events[1].AgentID)
}

func TestCorruptJobsDocument(t *testing.T) {
	backend := store.NewMemoryBackend()
	require.NoError(t, backend.Put(context.Background(), store.KeyJobs, []byte("{not json")))
	l := New(store.New(backend, nil), fakeAgents{"a": true}, nil)

	_, err := l.PendingFor(context.Background(), "a")
	assert.ErrorIs(t, err, store.ErrCorrupt)

	_, err = l.Create(context.Background(), CreateParams{AgentID: "a"})
	assert.ErrorIs(t, err, store.ErrCorrupt)
}
