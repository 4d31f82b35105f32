package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/balu-dk/go-pipelets/config"
	"github.com/balu-dk/go-pipelets/internal/db/models"
	"github.com/balu-dk/go-pipelets/internal/logbus"
	"github.com/balu-dk/go-pipelets/internal/ocpp"
	"github.com/balu-dk/go-pipelets/internal/pipeline"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the record store behind the core: workflow and pipelet
// definitions, finished runs, archived log entries and transactions.
type Store interface {
	pipeline.Definitions
	pipeline.RunStore
	logbus.Archive
	ocpp.TransactionRecorder

	ListWorkflows(ctx context.Context) ([]pipeline.Workflow, error)
	SavePipelet(ctx context.Context, p *models.Pipelet) error
	ListPipelets(ctx context.Context) ([]models.Pipelet, error)
	ListRuns(ctx context.Context, limit int) ([]pipeline.Run, error)
	ListLogs(ctx context.Context, limit int) ([]models.LogRecord, error)
	GetTransaction(ctx context.Context, id int) (*models.Transaction, error)
	// MaxTransactionID returns the highest stored transaction id, or 0.
	MaxTransactionID(ctx context.Context) (int, error)
	Close()
}

// Open returns the store selected by cfg.StoreDriver.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory, "":
		return NewMemoryStore(), nil
	case config.StorePostgres:
		return NewPostgresStore(ctx, cfg)
	case config.StoreSQLite:
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func clampLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}
