package memory_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/scepd/storage"
	"github.com/jmcleod/scepd/storage/memory"
)

func TestRepository_PutGet(t *testing.T) {
	repo := memory.NewRepository()

	require.NoError(t, repo.Put("certificate", "2", []byte("payload")))
	data, err := repo.Get("certificate", "2")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	_, err = repo.Get("certificate", "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRepository_GetReturnsCopy(t *testing.T) {
	repo := memory.NewRepository()
	require.NoError(t, repo.Put("certificate", "2", []byte("abc")))

	data, err := repo.Get("certificate", "2")
	require.NoError(t, err)
	data[0] = 'X'

	again, err := repo.Get("certificate", "2")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestRepository_PutIfAbsent(t *testing.T) {
	repo := memory.NewRepository()

	require.NoError(t, repo.PutIfAbsent("certificate", "2", []byte("first")))
	err := repo.PutIfAbsent("certificate", "2", []byte("second"))
	assert.ErrorIs(t, err, storage.ErrExists)
}

func TestRepository_List(t *testing.T) {
	repo := memory.NewRepository()

	require.NoError(t, repo.Put("certificate", "2", []byte("a")))
	require.NoError(t, repo.Put("certificate", "10", []byte("b")))
	require.NoError(t, repo.Put("revocation", "2", []byte("c")))

	ids, err := repo.List("certificate")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"2", "10"}, ids)
}

func TestRepository_BatchRollsBackOnError(t *testing.T) {
	repo := memory.NewRepository()
	require.NoError(t, repo.Put("meta", "keep", []byte("original")))
	boom := errors.New("boom")

	err := repo.Batch(func(tx storage.BatchTx) error {
		if err := tx.Put("meta", "keep", []byte("changed")); err != nil {
			return err
		}
		if err := tx.Put("meta", "new", []byte("x")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	data, err := repo.Get("meta", "keep")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), data)
	_, err = repo.Get("meta", "new")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRepository_ConcurrentAccess(t *testing.T) {
	repo := memory.NewRepository()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n byte) {
			defer wg.Done()
			id := string('a' + n)
			assert.NoError(t, repo.Put("certificate", id, []byte{n}))
			_, err := repo.Get("certificate", id)
			assert.NoError(t, err)
		}(byte(i))
	}
	wg.Wait()

	ids, err := repo.List("certificate")
	require.NoError(t, err)
	assert.Len(t, ids, 20)
}
