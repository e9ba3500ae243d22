package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keymint/internal/license"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "licenses.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)

	_, err = Open("   ")
	assert.Error(t, err)
}

func TestStore_CreateAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	expiration := time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC)

	require.NoError(t, store.Create(ctx, "AAAA-BBBB-CCCC-DDDD", expiration))

	lic, err := store.Get(ctx, "AAAA-BBBB-CCCC-DDDD")
	require.NoError(t, err)
	assert.Equal(t, "AAAA-BBBB-CCCC-DDDD", lic.Key)
	assert.Equal(t, expiration, lic.Expiration)
	assert.False(t, lic.Bound())
}

func TestStore_CreateDuplicate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, "AAAA-BBBB-CCCC-DDDD", time.Now().Add(time.Hour)))
	err := store.Create(ctx, "AAAA-BBBB-CCCC-DDDD", time.Now().Add(2*time.Hour))
	assert.ErrorIs(t, err, license.ErrAlreadyExists)
}

func TestStore_GetMissing(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Get(context.Background(), "ZZZZ-ZZZZ-ZZZZ-ZZZZ")
	assert.ErrorIs(t, err, license.ErrNotFound)
}

func TestStore_DeleteIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, "AAAA-BBBB-CCCC-DDDD", time.Now().Add(time.Hour)))
	require.NoError(t, store.Delete(ctx, "AAAA-BBBB-CCCC-DDDD"))
	require.NoError(t, store.Delete(ctx, "AAAA-BBBB-CCCC-DDDD"))

	_, err := store.Get(ctx, "AAAA-BBBB-CCCC-DDDD")
	assert.ErrorIs(t, err, license.ErrNotFound)
}

func TestStore_BindOrCheck(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "AAAA-BBBB-CCCC-DDDD", time.Now().Add(time.Hour)))

	res, err := store.BindOrCheck(ctx, "AAAA-BBBB-CCCC-DDDD", "device-A")
	require.NoError(t, err)
	assert.Equal(t, license.Bound, res)

	res, err = store.BindOrCheck(ctx, "AAAA-BBBB-CCCC-DDDD", "device-A")
	require.NoError(t, err)
	assert.Equal(t, license.AlreadyBoundSame, res)

	res, err = store.BindOrCheck(ctx, "AAAA-BBBB-CCCC-DDDD", "device-B")
	require.NoError(t, err)
	assert.Equal(t, license.BoundToOther, res)

	lic, err := store.Get(ctx, "AAAA-BBBB-CCCC-DDDD")
	require.NoError(t, err)
	assert.Equal(t, "device-A", lic.AssignedDevice)
}

func TestStore_BindOrCheckMissing(t *testing.T) {
	store := openTestStore(t)
	_, err := store.BindOrCheck(context.Background(), "ZZZZ-ZZZZ-ZZZZ-ZZZZ", "device-A")
	assert.ErrorIs(t, err, license.ErrNotFound)
}

func TestStore_BindOrCheck_ConcurrentFirstBind(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "AAAA-BBBB-CCCC-DDDD", time.Now().Add(time.Hour)))

	const contenders = 16
	results := make([]license.BindResult, contenders)

	var start sync.WaitGroup
	start.Add(1)
	var done sync.WaitGroup
	for i := 0; i < contenders; i++ {
		done.Add(1)
		go func(i int) {
			defer done.Done()
			start.Wait()
			device := "device-" + string(rune('A'+i))
			res, err := store.BindOrCheck(ctx, "AAAA-BBBB-CCCC-DDDD", device)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	start.Done()
	done.Wait()

	bound := 0
	for _, res := range results {
		if res == license.Bound {
			bound++
		}
	}
	assert.Equal(t, 1, bound, "exactly one contender must win the first bind")
}

func TestStore_DeleteExpired(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Create(ctx, "AAAA-AAAA-AAAA-AAAA", now.Add(-time.Minute)))
	require.NoError(t, store.Create(ctx, "BBBB-BBBB-BBBB-BBBB", now.Add(time.Hour)))

	removed, err := store.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.Get(ctx, "AAAA-AAAA-AAAA-AAAA")
	assert.ErrorIs(t, err, license.ErrNotFound)
	_, err = store.Get(ctx, "BBBB-BBBB-BBBB-BBBB")
	assert.NoError(t, err)
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "licenses.db")
	ctx := context.Background()

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, "AAAA-BBBB-CCCC-DDDD", time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))
	_, err = store.BindOrCheck(ctx, "AAAA-BBBB-CCCC-DDDD", "device-A")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	lic, err := reopened.Get(ctx, "AAAA-BBBB-CCCC-DDDD")
	require.NoError(t, err)
	assert.Equal(t, "device-A", lic.AssignedDevice)
	assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), lic.Expiration)
}
