package session

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) clockedStore {
		return NewMemoryStore()
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	s, err := st.Create(ctx, CreateParams{UserID: "u1"})
	require.NoError(t, err)

	s.Location = "mutated"
	s.History = append(s.History, TurnRecord{TurnNumber: 99})

	got, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Location)
	assert.Empty(t, got.History)
}

func TestMemoryStoreRacingTurnsAppendOnce(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	s, err := st.Create(ctx, CreateParams{UserID: "u1"})
	require.NoError(t, err)

	const racers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := st.ApplyTurn(ctx, s.ID, turnUpdate(1)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	got, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TurnCount)
	assert.Len(t, got.History, 1)
}

func TestMemoryStoreLatestForUser(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	s, err := st.Create(ctx, CreateParams{UserID: "u1"})
	require.NoError(t, err)

	id, ok := st.LatestForUser("u1")
	require.True(t, ok)
	assert.Equal(t, s.ID, id)

	_, err = st.End(ctx, s.ID)
	require.NoError(t, err)
	_, ok = st.LatestForUser("u1")
	assert.False(t, ok)
}
