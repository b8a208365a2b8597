package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStorePutGet(t *testing.T) {
	st := NewMemStore()
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "tasks/t1", []byte("one")))
	rec, err := st.Get(ctx, "tasks/t1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), rec.Value)
	assert.Equal(t, int64(1), rec.Version)

	require.NoError(t, st.Put(ctx, "tasks/t1", []byte("two")))
	rec, err = st.Get(ctx, "tasks/t1")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), rec.Value)
	assert.Equal(t, int64(2), rec.Version)
}

func TestMemStoreGetMissing(t *testing.T) {
	st := NewMemStore()
	_, err := st.Get(context.Background(), "tasks/none")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStoreCASCreate(t *testing.T) {
	st := NewMemStore()
	ctx := context.Background()

	v, err := st.CompareAndSwap(ctx, "workflows/w1", []byte("a"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	// A second create over the same key loses.
	_, err = st.CompareAndSwap(ctx, "workflows/w1", []byte("b"), 0)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemStoreCASUpdate(t *testing.T) {
	st := NewMemStore()
	ctx := context.Background()
	_, err := st.CompareAndSwap(ctx, "workflows/w1", []byte("a"), 0)
	require.NoError(t, err)

	_, err = st.CompareAndSwap(ctx, "workflows/w1", []byte("b"), 99)
	assert.ErrorIs(t, err, ErrConflict)

	v, err := st.CompareAndSwap(ctx, "workflows/w1", []byte("b"), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	rec, err := st.Get(ctx, "workflows/w1")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), rec.Value)
}

func TestMemStoreScanPrefixOrdered(t *testing.T) {
	st := NewMemStore()
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, "tasks/b", nil))
	require.NoError(t, st.Put(ctx, "tasks/a", nil))
	require.NoError(t, st.Put(ctx, "workflows/x", nil))

	recs, err := st.ScanPrefix(ctx, "tasks/")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "tasks/a", recs[0].Key)
	assert.Equal(t, "tasks/b", recs[1].Key)
}

func TestCheckpointKeysSortByStep(t *testing.T) {
	st := NewMemStore()
	ctx := context.Background()
	// Zero padding keeps lexicographic order equal to numeric order.
	for _, step := range []int{10, 2, 1} {
		require.NoError(t, st.Put(ctx, KeyCheckpoint("wf", step), []byte(fmt.Sprint(step))))
	}

	recs, err := st.ScanPrefix(ctx, KeyCheckpointPrefix("wf"))
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []byte("1"), recs[0].Value)
	assert.Equal(t, []byte("2"), recs[1].Value)
	assert.Equal(t, []byte("10"), recs[2].Value)
}

func TestMemStoreDeleteMissingIsNoop(t *testing.T) {
	st := NewMemStore()
	assert.NoError(t, st.Delete(context.Background(), "tasks/none"))
}

func TestMemStorePutMulti(t *testing.T) {
	st := NewMemStore()
	ctx := context.Background()
	require.NoError(t, st.PutMulti(ctx, map[string][]byte{
		"tasks/a": []byte("1"),
		"tasks/b": []byte("2"),
	}))
	recs, err := st.ScanPrefix(ctx, "tasks/")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestUpdateWithRetryCreatesMissingKey(t *testing.T) {
	st := NewMemStore()
	ctx := context.Background()

	err := UpdateWithRetry(ctx, st, "tasks/new", func(cur []byte) ([]byte, error) {
		assert.Nil(t, cur)
		return []byte("created"), nil
	})
	require.NoError(t, err)

	rec, err := st.Get(ctx, "tasks/new")
	require.NoError(t, err)
	assert.Equal(t, []byte("created"), rec.Value)
}

func TestUpdateWithRetryAppliesMutation(t *testing.T) {
	st := NewMemStore()
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, "tasks/t", []byte("v1")))

	err := UpdateWithRetry(ctx, st, "tasks/t", func(cur []byte) ([]byte, error) {
		return append(cur, []byte("+v2")...), nil
	})
	require.NoError(t, err)

	rec, err := st.Get(ctx, "tasks/t")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1+v2"), rec.Value)
}

func TestUpdateWithRetrySurvivesContention(t *testing.T) {
	st := NewMemStore()
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, "tasks/t", []byte("0")))

	// Interleave a competing write on the first attempt; the retry reads
	// the fresh version and wins.
	first := true
	err := UpdateWithRetry(ctx, st, "tasks/t", func(cur []byte) ([]byte, error) {
		if first {
			first = false
			require.NoError(t, st.Put(ctx, "tasks/t", []byte("interloper")))
		}
		return []byte("final"), nil
	})
	require.NoError(t, err)

	rec, err := st.Get(ctx, "tasks/t")
	require.NoError(t, err)
	assert.Equal(t, []byte("final"), rec.Value)
}
