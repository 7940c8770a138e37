package budget

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/voragate/gateway/internal/store"
	"github.com/voragate/gateway/internal/store/model"
)

// Ingestor handles the asynchronous persistence of ledger entries. Admission
// decisions never wait on the database; the in-memory windows are the source
// of truth for checks and the ledger trails behind.
type Ingestor interface {
	Append(entry *model.LedgerEntry)
	Start(ctx context.Context)
	Stop()
}

type ingestor struct {
	logger    *zap.Logger
	repo      store.Repository
	entryChan chan *model.LedgerEntry
	batchSize int
	flushTime time.Duration
}

func NewIngestor(logger *zap.Logger, repo store.Repository) Ingestor {
	return &ingestor{
		logger:    logger,
		repo:      repo,
		entryChan: make(chan *model.LedgerEntry, 10000),
		batchSize: 50,
		flushTime: 5 * time.Second,
	}
}

func (i *ingestor) Append(entry *model.LedgerEntry) {
	select {
	case i.entryChan <- entry:
	default:
		i.logger.Warn("Ledger buffer full, dropping entry", zap.String("request_id", entry.RequestID))
	}
}

func (i *ingestor) Start(ctx context.Context) {
	go i.worker(ctx)
}

func (i *ingestor) Stop() {
	close(i.entryChan)
}

func (i *ingestor) worker(ctx context.Context) {
	batch := make([]*model.LedgerEntry, 0, i.batchSize)
	ticker := time.NewTicker(i.flushTime)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}

		for _, entry := range batch {
			if err := i.repo.Ledger().Append(context.Background(), entry); err != nil {
				i.logger.Error("Failed to persist ledger entry", zap.String("request_id", entry.RequestID), zap.Error(err))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-i.entryChan:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= i.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}
