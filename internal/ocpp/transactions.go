package ocpp

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/balu-dk/go-pipelets/internal/db/models"
)

var (
	// ErrTransactionOpen is returned when a charge point already has an open transaction.
	ErrTransactionOpen = errors.New("charge point already has an open transaction")
	// ErrUnknownTransaction is returned for transaction ids that are not open for the charge point.
	ErrUnknownTransaction = errors.New("unknown transaction")
)

// TransactionTable assigns transaction ids and tracks the open transaction of
// every charge point. Ids start above the configured start id (1 by
// default), strictly increase and are never reused.
type TransactionTable struct {
	mu       sync.Mutex
	lastID   int
	byID     map[int]*models.Transaction
	openByCP map[string]int
}

// TableOption configures a TransactionTable.
type TableOption func(*TransactionTable)

// WithStartID makes the table assign ids above lastID, e.g. the highest id
// already held by a persistent store.
func WithStartID(lastID int) TableOption {
	return func(t *TransactionTable) {
		if lastID > 0 {
			t.lastID = lastID
		}
	}
}

// NewTransactionTable creates an empty transaction table
func NewTransactionTable(opts ...TableOption) *TransactionTable {
	t := &TransactionTable{
		byID:     make(map[int]*models.Transaction),
		openByCP: make(map[string]int),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open starts a transaction for cpID. It fails with ErrTransactionOpen when
// one is already open, leaving the existing transaction untouched.
func (t *TransactionTable) Open(cpID string, connectorID int, idTag string, meterStart int, start time.Time) (models.Transaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.openByCP[cpID]; ok {
		return models.Transaction{}, fmt.Errorf("%w: %d", ErrTransactionOpen, id)
	}

	t.lastID++
	tx := &models.Transaction{
		ID:            t.lastID,
		ChargePointID: cpID,
		ConnectorID:   connectorID,
		IdTag:         idTag,
		StartTime:     start,
		MeterStart:    meterStart,
		Status:        models.TransactionOpen,
	}
	t.byID[tx.ID] = tx
	t.openByCP[cpID] = tx.ID
	return *tx, nil
}

// Close ends the open transaction id of cpID.
func (t *TransactionTable) Close(cpID string, id int, meterStop int, stop time.Time) (models.Transaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	open, ok := t.openByCP[cpID]
	if !ok || open != id {
		return models.Transaction{}, fmt.Errorf("%w: %d for %s", ErrUnknownTransaction, id, cpID)
	}

	tx := t.byID[id]
	tx.EndTime = &stop
	tx.MeterStop = &meterStop
	tx.Status = models.TransactionClosed
	delete(t.openByCP, cpID)
	return copyTransaction(tx), nil
}

// Get returns transaction id.
func (t *TransactionTable) Get(id int) (models.Transaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tx, ok := t.byID[id]
	if !ok {
		return models.Transaction{}, false
	}
	return copyTransaction(tx), true
}

// OpenFor returns the open transaction of cpID.
func (t *TransactionTable) OpenFor(cpID string) (models.Transaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.openByCP[cpID]
	if !ok {
		return models.Transaction{}, false
	}
	return copyTransaction(t.byID[id]), true
}

// List returns every transaction ordered by id.
func (t *TransactionTable) List() []models.Transaction {
	t.mu.Lock()
	list := make([]models.Transaction, 0, len(t.byID))
	for _, tx := range t.byID {
		list = append(list, copyTransaction(tx))
	}
	t.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

func copyTransaction(tx *models.Transaction) models.Transaction {
	c := *tx
	if tx.EndTime != nil {
		end := *tx.EndTime
		c.EndTime = &end
	}
	if tx.MeterStop != nil {
		stop := *tx.MeterStop
		c.MeterStop = &stop
	}
	return c
}
