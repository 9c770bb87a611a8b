package engine

import (
	"context"

	"github.com/xela07ax/threatecho/internal/domain"
	"github.com/xela07ax/threatecho/internal/repository"
)

// Ingestor - источник событий. Fetch отдает конечную пачку кандидатов и ничего не пишет.
type Ingestor interface {
	Source() domain.Source
	Fetch(ctx context.Context) ([]domain.Event, error)
}

// Summarizer превращает событие в одно предложение и страны атаки.
type Summarizer interface {
	Summarize(ctx context.Context, ev domain.Event) (domain.Summary, error)
}

type GeoResolver interface {
	Resolve(ctx context.Context, attacker, victim string) (*domain.Geo, error)
}

// AdmissionFilter решает, пускать ли кандидата в хранилище.
type AdmissionFilter interface {
	Allow(ev domain.Event) (bool, error)
}

type (
	Store = repository.Store
	Tx    = repository.Tx
)
