package services

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clausewise/analysis-engine/internal/logger"
	"github.com/clausewise/analysis-engine/internal/models"
	engerrors "github.com/clausewise/analysis-engine/pkg/errors"
)

type artifactTestEnv struct {
	svc    *ArtifactService
	rows   *memArtifactRows
	blobs  *memBlobStore
	locker *memLocker
}

func setupArtifactTest(t *testing.T) *artifactTestEnv {
	t.Helper()
	rows := newMemArtifactRows()
	blobs := newMemBlobStore()
	locker := newMemLocker()
	svc := NewArtifactService(rows, blobs, locker, sharedMetrics(), testEngineConfig(), logger.NewNop())
	svc.lockPollInterval = 2 * time.Millisecond
	return &artifactTestEnv{svc: svc, rows: rows, blobs: blobs, locker: locker}
}

// textCompute returns a ComputeFn that records how many times it ran and
// emits one page_text artifact per requested page.
func textCompute(calls *int64) ComputeFn {
	return func(ctx context.Context, address models.ContentAddress, pages []int) ([]*ComputedPage, error) {
		atomic.AddInt64(calls, 1)
		var out []*ComputedPage
		for _, p := range pages {
			out = append(out, &ComputedPage{
				Kind:        models.ArtifactPageText,
				Page:        p,
				Data:        []byte(fmt.Sprintf("page %d text", p)),
				ContentType: "text/plain",
				WordCount:   3,
			})
		}
		return out, nil
	}
}

func TestArtifactAddressing(t *testing.T) {
	env := setupArtifactTest(t)

	t.Run("identical bytes and params yield identical address", func(t *testing.T) {
		a := env.svc.Address([]byte("contract body"), map[string]string{"pipeline": "standard"})
		b := env.svc.Address([]byte("contract body"), map[string]string{"pipeline": "standard"})
		assert.True(t, a.Equal(b))
	})

	t.Run("different params yield a different address", func(t *testing.T) {
		a := env.svc.Address([]byte("contract body"), map[string]string{"pipeline": "standard"})
		b := env.svc.Address([]byte("contract body"), map[string]string{"pipeline": "ocr"})
		assert.False(t, a.Equal(b))
		assert.Equal(t, a.ContentHMAC, b.ContentHMAC)
		assert.NotEqual(t, a.ParamsFingerprint, b.ParamsFingerprint)
	})

	t.Run("different bytes yield a different hmac", func(t *testing.T) {
		a := env.svc.Address([]byte("contract body"), nil)
		b := env.svc.Address([]byte("another contract"), nil)
		assert.NotEqual(t, a.ContentHMAC, b.ContentHMAC)
	})
}

func TestResolveOrCompute(t *testing.T) {
	ctx := context.Background()

	t.Run("computes missing pages then serves from rows", func(t *testing.T) {
		env := setupArtifactTest(t)
		address := env.svc.Address([]byte("doc"), nil)
		var calls int64

		set, err := env.svc.ResolveOrCompute(ctx, address, models.ArtifactPageText, []int{1, 2, 3}, textCompute(&calls))
		require.NoError(t, err)
		assert.True(t, set.HasAllPages(models.ArtifactPageText, []int{1, 2, 3}))
		assert.EqualValues(t, 1, calls)

		// Second resolution is a pure cache hit.
		set, err = env.svc.ResolveOrCompute(ctx, address, models.ArtifactPageText, []int{1, 2, 3}, textCompute(&calls))
		require.NoError(t, err)
		assert.True(t, set.HasAllPages(models.ArtifactPageText, []int{1, 2, 3}))
		assert.EqualValues(t, 1, calls, "cache hit must not recompute")
	})

	t.Run("partial set computes only the missing pages", func(t *testing.T) {
		env := setupArtifactTest(t)
		address := env.svc.Address([]byte("doc"), nil)
		var calls int64

		_, err := env.svc.ResolveOrCompute(ctx, address, models.ArtifactPageText, []int{1}, textCompute(&calls))
		require.NoError(t, err)

		missing := func(ctx context.Context, addr models.ContentAddress, pages []int) ([]*ComputedPage, error) {
			assert.Equal(t, []int{2}, pages)
			return textCompute(&calls)(ctx, addr, pages)
		}
		set, err := env.svc.ResolveOrCompute(ctx, address, models.ArtifactPageText, []int{1, 2}, missing)
		require.NoError(t, err)
		assert.True(t, set.HasAllPages(models.ArtifactPageText, []int{1, 2}))
	})

	t.Run("page failure keeps landed pages and surfaces transient error", func(t *testing.T) {
		env := setupArtifactTest(t)
		address := env.svc.Address([]byte("doc"), nil)

		// Compute emits page 1 but never page 2.
		dropSecond := func(ctx context.Context, addr models.ContentAddress, pages []int) ([]*ComputedPage, error) {
			return []*ComputedPage{{
				Kind:        models.ArtifactPageText,
				Page:        1,
				Data:        []byte("page 1 text"),
				ContentType: "text/plain",
			}}, nil
		}
		set, err := env.svc.ResolveOrCompute(ctx, address, models.ArtifactPageText, []int{1, 2}, dropSecond)
		require.Error(t, err)
		assert.Equal(t, engerrors.ErrTransientIO, engerrors.Code(err))
		assert.NotNil(t, set.Page(models.ArtifactPageText, 1))
		assert.Nil(t, set.Page(models.ArtifactPageText, 2))

		// The retry resumes from the rows: only page 2 is recomputed.
		var calls int64
		retry := func(ctx context.Context, addr models.ContentAddress, pages []int) ([]*ComputedPage, error) {
			assert.Equal(t, []int{2}, pages)
			return textCompute(&calls)(ctx, addr, pages)
		}
		set, err = env.svc.ResolveOrCompute(ctx, address, models.ArtifactPageText, []int{1, 2}, retry)
		require.NoError(t, err)
		assert.True(t, set.HasAllPages(models.ArtifactPageText, []int{1, 2}))
	})

	t.Run("waiter adopts concurrent holder output without recomputing", func(t *testing.T) {
		env := setupArtifactTest(t)
		address := env.svc.Address([]byte("doc"), nil)

		// Hold the compute lock as if another worker were mid-computation,
		// then land its rows while the waiter polls.
		lockKey := "artifact:" + address.Key()
		token, ok, err := env.locker.Acquire(ctx, lockKey, time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		go func() {
			time.Sleep(10 * time.Millisecond)
			artifact := models.NewArtifact(address, models.ArtifactPageText, 1, "", "artifacts/test/1", sha256Hex([]byte("x")), 1)
			_, _, _ = env.rows.InsertIfAbsent(ctx, artifact)
			_ = env.locker.Release(ctx, lockKey, token)
		}()

		var calls int64
		set, err := env.svc.ResolveOrCompute(ctx, address, models.ArtifactPageText, []int{1}, textCompute(&calls))
		require.NoError(t, err)
		assert.True(t, set.HasAllPages(models.ArtifactPageText, []int{1}))
		assert.EqualValues(t, 0, calls, "waiter must adopt the holder's rows")
	})

	t.Run("lock held past the wait deadline fails with LOCK_HELD", func(t *testing.T) {
		env := setupArtifactTest(t)
		env.svc.cfg.LockWaitTimeout = 15 * time.Millisecond
		address := env.svc.Address([]byte("doc"), nil)

		_, ok, err := env.locker.Acquire(ctx, "artifact:"+address.Key(), time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		var calls int64
		_, err = env.svc.ResolveOrCompute(ctx, address, models.ArtifactPageText, []int{1}, textCompute(&calls))
		require.Error(t, err)
		assert.Equal(t, engerrors.ErrLockHeld, engerrors.Code(err))
		assert.EqualValues(t, 0, calls)
	})
}

func TestFetchVerifiesChecksum(t *testing.T) {
	ctx := context.Background()
	env := setupArtifactTest(t)
	address := env.svc.Address([]byte("doc"), nil)

	var calls int64
	set, err := env.svc.ResolveOrCompute(ctx, address, models.ArtifactPageText, []int{1}, textCompute(&calls))
	require.NoError(t, err)
	artifact := set.Page(models.ArtifactPageText, 1)
	require.NotNil(t, artifact)

	data, err := env.svc.Fetch(ctx, artifact)
	require.NoError(t, err)
	assert.Equal(t, []byte("page 1 text"), data)

	// Corrupt the blob behind the row.
	require.NoError(t, env.blobs.Put(ctx, artifact.BlobKey, []byte("tampered"), "text/plain"))
	_, err = env.svc.Fetch(ctx, artifact)
	require.Error(t, err)
	assert.Equal(t, engerrors.ErrStorageError, engerrors.Code(err))
}

func TestLinksAndGarbageCollection(t *testing.T) {
	ctx := context.Background()
	env := setupArtifactTest(t)
	address := env.svc.Address([]byte("shared contract"), nil)

	var calls int64
	set, err := env.svc.ResolveOrCompute(ctx, address, models.ArtifactPageText, []int{1, 2}, textCompute(&calls))
	require.NoError(t, err)

	// Two unrelated users link the identical content.
	require.NoError(t, env.svc.LinkUser(ctx, "user-a", "doc-a", set, models.ArtifactPageText))
	require.NoError(t, env.svc.LinkUser(ctx, "user-b", "doc-b", set, models.ArtifactPageText))

	t.Run("deleting one user leaves the shared artifacts intact", func(t *testing.T) {
		addresses, err := env.svc.DeleteUserDocument(ctx, "user-a", "doc-a")
		require.NoError(t, err)
		require.Len(t, addresses, 1)
		assert.True(t, addresses[0].Equal(address))

		collected, err := env.svc.CollectGarbage(ctx, addresses[0])
		require.NoError(t, err)
		assert.False(t, collected, "live link from user-b must block collection")

		remaining, err := env.svc.Resolve(ctx, address)
		require.NoError(t, err)
		assert.Len(t, remaining.Artifacts, 2)
	})

	t.Run("last link removal makes the set collectable", func(t *testing.T) {
		addresses, err := env.svc.DeleteUserDocument(ctx, "user-b", "doc-b")
		require.NoError(t, err)
		require.Len(t, addresses, 1)

		collected, err := env.svc.CollectGarbage(ctx, addresses[0])
		require.NoError(t, err)
		assert.True(t, collected)

		remaining, err := env.svc.Resolve(ctx, address)
		require.NoError(t, err)
		assert.Empty(t, remaining.Artifacts)

		// Blobs are gone too.
		for _, a := range set.Artifacts {
			exists, err := env.blobs.Exists(ctx, a.BlobKey)
			require.NoError(t, err)
			assert.False(t, exists)
		}
	})
}
