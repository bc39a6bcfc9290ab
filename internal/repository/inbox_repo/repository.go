package inbox_repo

import (
	"context"
	"time"

	"eventrelay/internal/domain"
)

// InboxRepository is the processed-event ledger.
type InboxRepository interface {
	// ExistsTx is a fast-path check only. Correctness rests on CreateTx
	// returning domain.ErrDuplicateEvent.
	ExistsTx(ctx context.Context, querier domain.Querier, eventID, consumerName string) (bool, error)
	CreateTx(ctx context.Context, querier domain.Querier, evt *domain.ProcessedEvent) error
	DeleteProcessedBefore(ctx context.Context, processedBefore time.Time) (int64, error)
}
