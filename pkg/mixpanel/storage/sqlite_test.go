package storage_test

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/randalmurphal/mixpanel/pkg/mixpanel/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_Persistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store1, err := storage.NewSQLiteStore(dbPath)
	require.NoError(t, err)

	require.NoError(t, store1.Put("identity", []byte(`{"token":"t"}`)))
	for _, id := range []string{"a", "b", "c"} {
		_, err := store1.Append(rec(id))
		require.NoError(t, err)
	}
	require.NoError(t, store1.Close())

	store2, err := storage.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store2.Close()

	data, err := store2.Get("identity")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"token":"t"}`), data)

	recs, err := store2.Peek(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(recs))

	// New appends continue after the reopened sequence.
	seq, err := store2.Append(rec("d"))
	require.NoError(t, err)
	assert.Greater(t, seq, recs[2].Seq)
}

func TestSQLiteStore_InvalidPath(t *testing.T) {
	_, err := storage.NewSQLiteStore("/nonexistent/path/db.sqlite")
	assert.Error(t, err)
}

func TestSQLiteStore_CloseIdempotent(t *testing.T) {
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)

	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}

func TestSQLiteStore_RemoveLargeBatch(t *testing.T) {
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	const total = 1200
	seqs := make([]int64, 0, total)
	for i := 0; i < total; i++ {
		seq, err := store.Append(rec(fmt.Sprint(i)))
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}

	require.NoError(t, store.Remove(seqs[:total-1]))

	n, err := store.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteStore_Concurrent(t *testing.T) {
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "concurrent.db"))
	require.NoError(t, err)
	defer store.Close()

	const numGoroutines = 20
	const numOps = 20

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOps; j++ {
				switch j % 4 {
				case 0, 1:
					_, _ = store.Append(rec(fmt.Sprintf("%d-%d", id, j)))
				case 2:
					_, _ = store.Peek(5)
				case 3:
					_ = store.Put(fmt.Sprintf("k-%d", id), []byte("v"))
				}
			}
		}(i)
	}

	wg.Wait()

	n, err := store.Len()
	require.NoError(t, err)
	assert.Equal(t, numGoroutines*numOps/2, n)
}
