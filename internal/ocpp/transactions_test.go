package ocpp

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/balu-dk/go-pipelets/internal/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionLifecycle(t *testing.T) {
	table := NewTransactionTable()
	start := time.Now()

	tx, err := table.Open("CP_1", 1, "ABC123", 0, start)
	require.NoError(t, err)
	assert.Equal(t, 1, tx.ID)
	assert.Equal(t, models.TransactionOpen, tx.Status)

	_, err = table.Open("CP_1", 1, "OTHER", 5, start)
	assert.True(t, errors.Is(err, ErrTransactionOpen))

	open, ok := table.OpenFor("CP_1")
	require.True(t, ok)
	assert.Equal(t, "ABC123", open.IdTag, "rejected start must not overwrite")

	_, err = table.Close("CP_1", 99, 10, start)
	assert.True(t, errors.Is(err, ErrUnknownTransaction))

	closed, err := table.Close("CP_1", tx.ID, 10, start.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.TransactionClosed, closed.Status)
	require.NotNil(t, closed.MeterStop)
	assert.Equal(t, 10, *closed.MeterStop)
	require.NotNil(t, closed.EndTime)

	_, ok = table.OpenFor("CP_1")
	assert.False(t, ok)

	next, err := table.Open("CP_1", 1, "ABC123", 10, start)
	require.NoError(t, err)
	assert.Equal(t, 2, next.ID, "ids are never reused")
	assert.Len(t, table.List(), 2)
}

func TestTransactionIDsUniqueAcrossConcurrentSessions(t *testing.T) {
	table := NewTransactionTable()
	const sessions, rounds = 16, 25

	var mu sync.Mutex
	var ids []int
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(cp string) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				tx, err := table.Open(cp, 1, "TAG", 0, time.Now())
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				ids = append(ids, tx.ID)
				mu.Unlock()
				_, err = table.Close(cp, tx.ID, 1, time.Now())
				assert.NoError(t, err)
			}
		}(fmt.Sprintf("CP_%d", i))
	}
	wg.Wait()

	require.Len(t, ids, sessions*rounds)
	sort.Ints(ids)
	for i, id := range ids {
		assert.Equal(t, i+1, id)
	}
}

func TestTransactionTableStartID(t *testing.T) {
	table := NewTransactionTable(WithStartID(41))
	tx, err := table.Open("CP_1", 1, "TAG", 0, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 42, tx.ID)

	table = NewTransactionTable(WithStartID(0))
	tx, err = table.Open("CP_1", 1, "TAG", 0, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, tx.ID)
}
