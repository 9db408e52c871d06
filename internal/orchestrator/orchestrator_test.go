// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adiadia/campaign-runtime/internal/domain"
	"github.com/adiadia/campaign-runtime/internal/hub"
	"github.com/adiadia/campaign-runtime/internal/registry"
	"github.com/adiadia/campaign-runtime/internal/worker"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	orch *Orchestrator
	hub  *hub.Hub
	reg  *registry.Registry
}

func newHarness(t *testing.T, bufferSize int, journal Journal, stages ...worker.Stage) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New()
	h := hub.New(hub.Config{BufferSize: bufferSize, ClosedRetention: time.Minute, Logger: logger})

	exec := worker.New(worker.Deps{
		Registry: reg,
		Hub:      h,
		Stages:   stages,
		Logger:   logger,
	})

	o := New(Deps{
		Registry: reg,
		Hub:      h,
		Executor: exec,
		Journal:  journal,
		Logger:   logger,
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, o.Shutdown(ctx))
		h.Close()
	})

	return &harness{orch: o, hub: h, reg: reg}
}

func step(name domain.StageName, fn func(ctx context.Context, run *worker.Run) error) worker.Stage {
	return worker.StageFunc{StageName: name, Fn: fn}
}

func say(name domain.StageName, lines ...string) worker.Stage {
	return step(name, func(ctx context.Context, run *worker.Run) error {
		for _, l := range lines {
			run.Info("%s", l)
		}
		return nil
	})
}

// gate blocks a stage until released.
type gate struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) stage(name domain.StageName) worker.Stage {
	return step(name, func(ctx context.Context, run *worker.Run) error {
		run.Info("waiting at %s", name)
		g.once.Do(func() { close(g.entered) })
		<-g.release
		return nil
	})
}

func collect(t *testing.T, sub *hub.Subscription) []domain.LogEvent {
	t.Helper()

	var out []domain.LogEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream for %s did not end; got %d events", sub.RunID(), len(out))
		}
	}
}

func requireWellFormed(t *testing.T, runID uuid.UUID, events []domain.LogEvent, status domain.RunStatus) {
	t.Helper()

	require.NotEmpty(t, events)
	for i, ev := range events {
		require.Equal(t, runID, ev.RunID)
		if i > 0 {
			require.True(t, ev.Timestamp.After(events[i-1].Timestamp), "timestamps must strictly increase")
		}
		require.Equal(t, i == len(events)-1, ev.Terminal, "exactly one terminal marker, last")
	}

	last := events[len(events)-1]
	require.Equal(t, domain.TextRunFinished, last.Text)
	require.Equal(t, domain.LevelInfo, last.Level)
	require.Equal(t, status, last.Status)
}

func waitFinished(t *testing.T, h *harness, id uuid.UUID) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := h.orch.Status(id)
		return errors.Is(err, domain.ErrUnknownRun) && h.hub.Closed(id)
	}, 5*time.Second, 5*time.Millisecond)
}

func TestStartRunRequiresConfig(t *testing.T) {
	h := newHarness(t, 16, nil)

	_, err := h.orch.StartRun(context.Background(), nil)
	require.ErrorIs(t, err, domain.ErrMissingConfig)
	require.Zero(t, h.reg.Len())
}

func TestStartRunReturnsBeforeStagesComplete(t *testing.T) {
	g := newGate()
	h := newHarness(t, 16, nil, g.stage(domain.StageDiscover))

	started := time.Now()
	id, err := h.orch.StartRun(context.Background(), domain.CampaignConfig{"source": "https://example.com"})
	require.NoError(t, err)
	require.Less(t, time.Since(started), time.Second)

	<-g.entered
	state, err := h.orch.Status(id)
	require.NoError(t, err)
	require.Equal(t, domain.RunRunning, state.Status)

	close(g.release)
	waitFinished(t, h, id)
}

func TestSubscribersBeforeDuringAndAfter(t *testing.T) {
	g := newGate()
	h := newHarness(t, 64, nil,
		say(domain.StageDiscover, "found"),
		g.stage(domain.StageFetch),
		say(domain.StageRewrite, "rewritten"),
	)

	id, err := h.orch.StartRun(context.Background(), domain.CampaignConfig{"source": "https://example.com"})
	require.NoError(t, err)
	before := h.orch.Attach(id)

	<-g.entered
	during := h.orch.Attach(id)
	close(g.release)

	beforeEvents := collect(t, before)
	requireWellFormed(t, id, beforeEvents, domain.RunSuccess)

	duringEvents := collect(t, during)
	requireWellFormed(t, id, duringEvents, domain.RunSuccess)
	require.Less(t, len(duringEvents), len(beforeEvents))

	waitFinished(t, h, id)
	after := collect(t, h.orch.Attach(id))
	require.Len(t, after, 1)
	requireWellFormed(t, id, after, domain.RunSuccess)
}

func TestFailingStageEndsFailed(t *testing.T) {
	h := newHarness(t, 64, nil,
		say(domain.StageDiscover, "found"),
		step(domain.StageFetch, func(ctx context.Context, run *worker.Run) error {
			return errors.New("connection reset by peer")
		}),
		say(domain.StagePublish, "never"),
	)

	id, err := h.orch.StartRun(context.Background(), domain.CampaignConfig{})
	require.NoError(t, err)

	events := collect(t, h.orch.Attach(id))
	requireWellFormed(t, id, events, domain.RunFailed)

	var errorEvents []domain.LogEvent
	for _, ev := range events {
		if ev.Level == domain.LevelError {
			errorEvents = append(errorEvents, ev)
		}
		require.NotEqual(t, "never", ev.Text)
	}
	require.Len(t, errorEvents, 1)
	require.Contains(t, errorEvents[0].Text, "connection reset by peer")
}

func TestRunWithoutSubscribersCleansUp(t *testing.T) {
	h := newHarness(t, 8, nil, say(domain.StageDiscover, "a", "b", "c"))

	id, err := h.orch.StartRun(context.Background(), domain.CampaignConfig{})
	require.NoError(t, err)

	waitFinished(t, h, id)
	require.Zero(t, h.reg.Len())
	require.Zero(t, h.hub.Stats().Subscribers)
}

func TestNeverReadingSubscriberDoesNotStallRun(t *testing.T) {
	lines := make([]string, 200)
	for i := range lines {
		lines[i] = "line"
	}
	h := newHarness(t, 2, nil, say(domain.StageDiscover, lines...))

	id, err := h.orch.StartRun(context.Background(), domain.CampaignConfig{})
	require.NoError(t, err)
	stalled := h.orch.Attach(id)
	defer stalled.Close()

	waitFinished(t, h, id)

	// Only the newest events survive in a full buffer, and the marker is last.
	events := collect(t, stalled)
	require.LessOrEqual(t, len(events), 2)
	require.True(t, events[len(events)-1].Terminal)
}

func TestConcurrentRunsDoNotLeak(t *testing.T) {
	h := newHarness(t, 128, nil,
		say(domain.StageDiscover, "one", "two"),
		say(domain.StageFetch, "three"),
	)

	const runs = 50
	const subsPerRun = 3

	type attached struct {
		id   uuid.UUID
		subs []*hub.Subscription
	}
	all := make([]attached, runs)

	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := h.orch.StartRun(context.Background(), domain.CampaignConfig{"n": i})
			if err != nil {
				t.Errorf("start run: %v", err)
				return
			}
			a := attached{id: id}
			for j := 0; j < subsPerRun; j++ {
				a.subs = append(a.subs, h.orch.Attach(id))
			}
			all[i] = a
		}(i)
	}
	wg.Wait()

	seen := make(map[uuid.UUID]bool, runs)
	for _, a := range all {
		require.False(t, seen[a.id], "run ids must be unique")
		seen[a.id] = true

		for _, sub := range a.subs {
			events := collect(t, sub)
			require.NotEmpty(t, events)
			for _, ev := range events {
				require.Equal(t, a.id, ev.RunID)
			}
			require.True(t, events[len(events)-1].Terminal)
		}
	}

	require.Eventually(t, func() bool { return h.reg.Len() == 0 }, 5*time.Second, 5*time.Millisecond)
	require.Zero(t, h.hub.Stats().Subscribers)
}

func TestAttachUnknownRun(t *testing.T) {
	h := newHarness(t, 8, nil)
	id := uuid.New()

	events := collect(t, h.orch.Attach(id))
	require.Len(t, events, 1)
	require.True(t, events[0].Terminal)
	require.Equal(t, domain.TextRunNotFound, events[0].Text)
	require.Zero(t, h.hub.Stats().Topics)
}

func TestCancelStopsBeforeNextStage(t *testing.T) {
	g := newGate()
	fetched := false
	h := newHarness(t, 64, nil,
		g.stage(domain.StageDiscover),
		step(domain.StageFetch, func(ctx context.Context, run *worker.Run) error {
			fetched = true
			return nil
		}),
	)

	id, err := h.orch.StartRun(context.Background(), domain.CampaignConfig{})
	require.NoError(t, err)
	sub := h.orch.Attach(id)

	<-g.entered
	require.NoError(t, h.orch.Cancel(id))
	close(g.release)

	events := collect(t, sub)
	requireWellFormed(t, id, events, domain.RunFailed)
	require.Contains(t, events[len(events)-2].Text, "run canceled")
	require.False(t, fetched)

	waitFinished(t, h, id)
	require.ErrorIs(t, h.orch.Cancel(id), domain.ErrUnknownRun)
}

func TestShutdownRejectsNewRuns(t *testing.T) {
	g := newGate()
	h := newHarness(t, 8, nil, g.stage(domain.StageDiscover))

	id, err := h.orch.StartRun(context.Background(), domain.CampaignConfig{})
	require.NoError(t, err)
	<-g.entered

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- h.orch.Shutdown(ctx)
	}()

	require.Eventually(t, func() bool {
		_, err := h.orch.StartRun(context.Background(), domain.CampaignConfig{})
		return errors.Is(err, ErrShuttingDown)
	}, time.Second, 5*time.Millisecond)

	close(g.release)
	require.NoError(t, <-done)
	require.True(t, h.hub.Closed(id))
}

type memoryJournal struct {
	mu     sync.Mutex
	events map[uuid.UUID][]domain.LogEvent
}

func (j *memoryJournal) Record(ctx context.Context, runID uuid.UUID, cfg domain.CampaignConfig, sub *hub.Subscription) {
	for ev := range sub.Events() {
		j.mu.Lock()
		j.events[runID] = append(j.events[runID], ev)
		j.mu.Unlock()
	}
}

func (j *memoryJournal) get(id uuid.UUID) []domain.LogEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]domain.LogEvent(nil), j.events[id]...)
}

func TestJournalSeesWholeRun(t *testing.T) {
	j := &memoryJournal{events: make(map[uuid.UUID][]domain.LogEvent)}
	h := newHarness(t, 64, j, say(domain.StageDiscover, "first line"))

	id, err := h.orch.StartRun(context.Background(), domain.CampaignConfig{})
	require.NoError(t, err)
	waitFinished(t, h, id)

	require.Eventually(t, func() bool {
		ev := j.get(id)
		return len(ev) > 0 && ev[len(ev)-1].Terminal
	}, 5*time.Second, 5*time.Millisecond)

	events := j.get(id)
	require.Equal(t, int64(1), events[0].Seq, "journal must see the first event")
	require.True(t, strings.HasPrefix(events[0].Text, "Run started"))
	requireWellFormed(t, id, events, domain.RunSuccess)
}

func TestStartRunAttachedSeesFirstEvent(t *testing.T) {
	h := newHarness(t, 64, nil, say(domain.StageDiscover, "found"))

	id, sub, err := h.orch.StartRunAttached(context.Background(), domain.CampaignConfig{"source": "https://example.com"})
	require.NoError(t, err)
	require.NotNil(t, sub)

	events := collect(t, sub)
	requireWellFormed(t, id, events, domain.RunSuccess)
	require.Equal(t, int64(1), events[0].Seq)
	require.Equal(t, "Run started", events[0].Text)
}
