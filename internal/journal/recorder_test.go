// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/adiadia/campaign-runtime/internal/domain"
	"github.com/adiadia/campaign-runtime/internal/hub"
	"github.com/google/uuid"
)

type fakeStore struct {
	mu       sync.Mutex
	ops      []string
	source   string
	events   []domain.LogEvent
	finished domain.RunStatus
	failOn   string
}

func (f *fakeStore) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	if op == f.failOn {
		return errors.New("db unavailable")
	}
	return nil
}

func (f *fakeStore) CreateRun(_ context.Context, _ uuid.UUID, source string, _ domain.CampaignConfig, _ time.Time) error {
	f.mu.Lock()
	f.source = source
	f.mu.Unlock()
	return f.record("create")
}

func (f *fakeStore) MarkRunning(context.Context, uuid.UUID) error {
	return f.record("running")
}

func (f *fakeStore) FinishRun(_ context.Context, _ uuid.UUID, status domain.RunStatus, _ time.Time) error {
	f.mu.Lock()
	f.finished = status
	f.mu.Unlock()
	return f.record("finish")
}

func (f *fakeStore) AppendEvent(_ context.Context, ev domain.LogEvent) error {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	return f.record("append")
}

func newRecorder(store *fakeStore) *Recorder {
	return New(Deps{
		Runs:   store,
		Events: store,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func publishRun(h *hub.Hub, runID uuid.UUID, status domain.RunStatus) {
	now := time.Now().UTC()
	h.Publish(runID, domain.LogEvent{RunID: runID, Seq: 1, Timestamp: now, Level: domain.LevelInfo, Text: "Run started"})
	h.Publish(runID, domain.LogEvent{RunID: runID, Seq: 2, Timestamp: now.Add(time.Microsecond), Level: domain.LevelSuccess, Text: "Campaign completed"})
	h.CloseRun(runID, domain.LogEvent{
		RunID:     runID,
		Seq:       3,
		Timestamp: now.Add(2 * time.Microsecond),
		Level:     domain.LevelInfo,
		Text:      domain.TextRunFinished,
		Terminal:  true,
		Status:    status,
	})
}

func TestRecordJournalsWholeRun(t *testing.T) {
	h := hub.New(hub.Config{})
	runID := uuid.New()
	sub := h.Subscribe(runID)
	store := &fakeStore{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		newRecorder(store).Record(context.Background(), runID, domain.CampaignConfig{"source": " https://example.com "}, sub)
	}()

	publishRun(h, runID, domain.RunSuccess)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not return after terminal marker")
	}

	want := []string{"create", "running", "append", "append", "append", "finish"}
	if len(store.ops) != len(want) {
		t.Fatalf("expected ops %v got %v", want, store.ops)
	}
	for i := range want {
		if store.ops[i] != want[i] {
			t.Fatalf("expected ops %v got %v", want, store.ops)
		}
	}
	if store.source != "https://example.com" {
		t.Fatalf("unexpected source %q", store.source)
	}
	if store.finished != domain.RunSuccess {
		t.Fatalf("expected SUCCESS got %s", store.finished)
	}
	for i, ev := range store.events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("events out of order: %+v", store.events)
		}
	}
}

func TestRecordSurvivesWriteFailures(t *testing.T) {
	h := hub.New(hub.Config{})
	runID := uuid.New()
	sub := h.Subscribe(runID)
	store := &fakeStore{failOn: "append"}

	done := make(chan struct{})
	go func() {
		defer close(done)
		newRecorder(store).Record(context.Background(), runID, domain.CampaignConfig{}, sub)
	}()

	publishRun(h, runID, domain.RunFailed)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not return")
	}
	if store.finished != domain.RunFailed {
		t.Fatalf("run must still be finalized, got %q", store.finished)
	}
}

func TestRecordUnsubscribesWhenDone(t *testing.T) {
	h := hub.New(hub.Config{})
	runID := uuid.New()
	sub := h.Subscribe(runID)

	publishRun(h, runID, domain.RunSuccess)
	newRecorder(&fakeStore{}).Record(context.Background(), runID, domain.CampaignConfig{}, sub)

	if got := h.Stats().Subscribers; got != 0 {
		t.Fatalf("expected no live subscribers, got %d", got)
	}
}

func TestSourceOfToleratesBadConfig(t *testing.T) {
	if got := sourceOf(domain.CampaignConfig{"max_words": "many"}); got != "" {
		t.Fatalf("expected empty source, got %q", got)
	}
}
