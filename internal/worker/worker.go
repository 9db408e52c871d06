// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/adiadia/campaign-runtime/internal/domain"
	"github.com/adiadia/campaign-runtime/internal/logging"
	"github.com/adiadia/campaign-runtime/internal/metrics"
	"github.com/google/uuid"
)

// RunRegistry is the part of the run registry the executor drives.
type RunRegistry interface {
	Transition(id uuid.UUID, next domain.RunStatus) error
	Remove(id uuid.UUID)
}

// Broadcaster is the part of the log hub the executor publishes to.
type Broadcaster interface {
	Publish(runID uuid.UUID, ev domain.LogEvent) int
	CloseRun(runID uuid.UUID, terminal domain.LogEvent)
}

type Deps struct {
	Registry   RunRegistry
	Hub        Broadcaster
	Stages     []Stage
	Logger     *slog.Logger
	HTTPClient *http.Client
	Now        func() time.Time

	// WebhookHosts lists the hosts terminal webhooks may be sent to. "*"
	// allows any host; an empty list disables webhooks.
	WebhookHosts []string
}

// Worker executes campaign runs one stage at a time and reports progress to
// the hub. A Worker holds no per-run state and may execute many runs at once.
type Worker struct {
	registry   RunRegistry
	hub        Broadcaster
	stages     []Stage
	logger     *slog.Logger
	httpClient *http.Client
	now        func() time.Time

	webhookHosts map[string]struct{}
}

func New(deps Deps) *Worker {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Worker{
		registry:     deps.Registry,
		hub:          deps.Hub,
		stages:       deps.Stages,
		logger:       l,
		httpClient:   client,
		now:          now,
		webhookHosts: hostSet(deps.WebhookHosts),
	}
}

// Execute drives runID from PENDING to a terminal status. Whatever happens in
// the stages, the run ends with exactly one terminal marker on the hub and is
// removed from the registry. The returned status is the one recorded.
func (w *Worker) Execute(ctx context.Context, runID uuid.UUID, cfg domain.CampaignConfig) domain.RunStatus {
	started := time.Now()
	logger := logging.ForRun(w.logger, runID)
	log := newEmitter(runID, w.hub, w.now)

	metrics.RunStarted()
	defer metrics.RunFinished()

	status := domain.RunFailed
	var campaign domain.Campaign

	defer func() {
		marker := log.next(domain.LevelInfo, domain.TextRunFinished)
		marker.Terminal = true
		marker.Status = status

		w.hub.CloseRun(runID, marker)
		w.registry.Remove(runID)

		logger.Info("run finished",
			"status", status,
			"events", marker.Seq,
			"duration_ms", time.Since(started).Milliseconds(),
		)

		w.deliverTerminalWebhook(context.WithoutCancel(ctx), runID, status, marker.Timestamp, campaign.WebhookURL, campaign.WebhookSecret)
	}()

	if err := w.registry.Transition(runID, domain.RunRunning); err != nil {
		logger.Error("run start rejected", "error", err)
		log.emit(domain.LevelError, "Run failed: "+err.Error())
		metrics.IncRunStatus(status)
		return status
	}
	metrics.IncRunStatus(domain.RunRunning)
	logger.Info("run started", "stages", len(w.stages))
	log.emit(domain.LevelInfo, "Run started")

	run, err := w.prepare(runID, cfg, log)
	if err == nil {
		campaign = run.Campaign
		err = w.runStages(ctx, run, logger)
	}

	if err != nil {
		status = domain.RunFailed
		log.emit(domain.LevelError, "Run failed: "+err.Error())
	} else {
		status = domain.RunSuccess
		log.emit(domain.LevelSuccess, "Campaign completed")
	}

	if terr := w.registry.Transition(runID, status); terr != nil {
		logger.Error("run finish transition failed", "status", status, "error", terr)
	}
	metrics.IncRunStatus(status)
	return status
}

func (w *Worker) prepare(runID uuid.UUID, cfg domain.CampaignConfig, log *emitter) (*Run, error) {
	campaign, err := domain.DecodeCampaign(cfg)
	if err != nil {
		return nil, &domain.StageFailure{Stage: domain.StageConfig, Err: err}
	}
	return &Run{ID: runID, Campaign: campaign, log: log}, nil
}

// runStages stops at the first failing stage. Cancellation is only observed
// between stages.
func (w *Worker) runStages(ctx context.Context, run *Run, logger *slog.Logger) error {
	for _, stage := range w.stages {
		if err := ctx.Err(); err != nil {
			logger.Warn("run canceled", "next_stage", stage.Name())
			return &domain.StageFailure{
				Stage: stage.Name(),
				Err:   fmt.Errorf("run canceled: %w", err),
			}
		}

		if err := w.executeStage(ctx, stage, run, logger); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) executeStage(ctx context.Context, stage Stage, run *Run, logger *slog.Logger) (err error) {
	started := time.Now()
	name := stage.Name()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}

		if err != nil {
			var failure *domain.StageFailure
			if !errors.As(err, &failure) {
				err = &domain.StageFailure{Stage: name, Err: err}
			}
		}

		elapsed := time.Since(started)
		metrics.ObserveStage(name, elapsed, err)

		if err != nil {
			logger.Error("stage failed",
				"stage", name,
				"duration_ms", elapsed.Milliseconds(),
				"error", err,
			)
			return
		}
		logger.Info("stage completed",
			"stage", name,
			"duration_ms", elapsed.Milliseconds(),
		)
	}()

	return stage.Execute(ctx, run)
}
