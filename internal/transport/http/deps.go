// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/adiadia/campaign-runtime/internal/cms"
	"github.com/adiadia/campaign-runtime/internal/domain"
	"github.com/adiadia/campaign-runtime/internal/hub"
	"github.com/google/uuid"
)

type RunService interface {
	StartRun(ctx context.Context, cfg domain.CampaignConfig) (uuid.UUID, error)
	StartRunAttached(ctx context.Context, cfg domain.CampaignConfig) (uuid.UUID, *hub.Subscription, error)
	Attach(id uuid.UUID) *hub.Subscription
	Cancel(id uuid.UUID) error
	Status(id uuid.UUID) (domain.RunState, error)
	Runs() []domain.RunState
}

type RunLookup interface {
	GetRun(ctx context.Context, id uuid.UUID) (domain.RunRecord, error)
}

type EventLister interface {
	ListEvents(ctx context.Context, runID uuid.UUID, afterSeq int64) ([]domain.LogEvent, error)
}

type SourceProber interface {
	Discover(ctx context.Context, source string) (domain.Article, error)
}

type ConnectionVerifier interface {
	Verify(ctx context.Context, creds cms.Credentials) cms.Result
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
