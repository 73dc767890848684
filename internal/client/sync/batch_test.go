package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waterbug/repsync/internal/client/notify"
	"github.com/waterbug/repsync/internal/client/storage"
	"github.com/waterbug/repsync/internal/models"
	"github.com/waterbug/repsync/pkg/api"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChunk(t *testing.T) {
	tests := []struct {
		name    string
		oids    []string
		maxSize int
		want    [][]string
	}{
		{
			name:    "even split",
			oids:    []string{"a", "b", "c", "d"},
			maxSize: 2,
			want:    [][]string{{"a", "b"}, {"c", "d"}},
		},
		{
			name:    "remainder batch",
			oids:    []string{"a", "b", "c", "d", "e"},
			maxSize: 2,
			want:    [][]string{{"a", "b"}, {"c", "d"}, {"e"}},
		},
		{
			name:    "batch larger than input",
			oids:    []string{"a", "b", "c"},
			maxSize: 10,
			want:    [][]string{{"a", "b", "c"}},
		},
		{
			name:    "non positive size keeps one batch",
			oids:    []string{"a", "b", "c"},
			maxSize: 0,
			want:    [][]string{{"a", "b", "c"}},
		},
		{
			name:    "single element",
			oids:    []string{"a"},
			maxSize: 1,
			want:    [][]string{{"a"}},
		},
		{
			name:    "empty input",
			oids:    nil,
			maxSize: 3,
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Chunk(tt.oids, tt.maxSize)
			assert.Equal(t, tt.want, got)

			// Concatenation always reproduces the input.
			var flat []string
			for _, batch := range got {
				flat = append(flat, batch...)
			}
			assert.Equal(t, tt.oids, flat)
		})
	}
}

func TestChunk_BatchCount(t *testing.T) {
	oids := make([]string, 17)
	for i := range oids {
		oids[i] = string(rune('a' + i))
	}

	batches := Chunk(oids, 5)
	require.Len(t, batches, 4) // ceil(17/5)
	for i, batch := range batches[:3] {
		assert.Len(t, batch, 5, "batch %d", i)
	}
	assert.Len(t, batches[3], 2)
}

func serializedObject(oid, cname string, stamp time.Time) api.SerializedObject {
	return api.SerializedObject{
		OID:     oid,
		CName:   cname,
		ModTime: stamp,
	}
}

func TestFetcher_FetchAll(t *testing.T) {
	ctx := context.Background()
	stamp := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	repo := &fakeRepo{
		getObjectsFunc: func(_ context.Context, oids []string) ([]api.SerializedObject, error) {
			out := make([]api.SerializedObject, 0, len(oids))
			for _, oid := range oids {
				out = append(out, serializedObject(oid, "Product", stamp))
			}
			return out, nil
		},
	}
	objects := newFakeObjects()
	registry := newFakeRegistry()
	bus := notify.NewBus()
	events := collectEvents(bus)

	f := NewFetcher(repo, objects, registry, models.DefaultCatalog(), bus, testLogger(), 2)

	applied, err := f.FetchAll(ctx, models.LibraryScope(), []string{"o1", "o2", "o3", "o4", "o5"})
	require.NoError(t, err)
	assert.Equal(t, 5, applied)

	// Batches requested in order, bounded by the chunk size.
	require.Equal(t, [][]string{{"o1", "o2"}, {"o3", "o4"}, {"o5"}}, repo.getBatches)

	// Every fetched object is cached and acknowledged.
	for _, oid := range []string{"o1", "o2", "o3", "o4", "o5"} {
		obj, err := objects.GetObject(ctx, oid)
		require.NoError(t, err)
		assert.True(t, stamp.Equal(obj.ModTime))

		synced, err := registry.IsSynced(ctx, oid)
		require.NoError(t, err)
		assert.True(t, synced, "oid %s should be marked synced", oid)
	}

	// Progress reported after each applied batch.
	var progress []models.SyncProgress
	for _, e := range *events {
		if p, ok := e.(models.SyncProgress); ok {
			progress = append(progress, p)
		}
	}
	require.Len(t, progress, 3)
	assert.Equal(t, models.SyncProgress{Scope: models.LibraryScope(), Applied: 2, Total: 5}, progress[0])
	assert.Equal(t, models.SyncProgress{Scope: models.LibraryScope(), Applied: 4, Total: 5}, progress[1])
	assert.Equal(t, models.SyncProgress{Scope: models.LibraryScope(), Applied: 5, Total: 5}, progress[2])
}

func TestFetcher_FetchAll_AppliesBatchBeforeNextFetch(t *testing.T) {
	ctx := context.Background()
	stamp := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	objects := newFakeObjects()
	repo := &fakeRepo{}
	repo.getObjectsFunc = func(_ context.Context, oids []string) ([]api.SerializedObject, error) {
		// By the time the second batch is requested, the first one
		// must already be committed.
		if len(repo.getBatches) == 2 {
			_, err := objects.GetObject(ctx, "o1")
			require.NoError(t, err, "o1 should be applied before the second fetch")
		}
		out := make([]api.SerializedObject, 0, len(oids))
		for _, oid := range oids {
			out = append(out, serializedObject(oid, "Product", stamp))
		}
		return out, nil
	}

	f := NewFetcher(repo, objects, newFakeRegistry(), models.DefaultCatalog(), notify.NewBus(), testLogger(), 1)

	applied, err := f.FetchAll(ctx, models.GlobalScope(), []string{"o1", "o2"})
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	assert.Len(t, repo.getBatches, 2)
}

func TestFetcher_FetchAll_MidFailureKeepsAppliedBatches(t *testing.T) {
	ctx := context.Background()
	stamp := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	wantErr := errors.New("link dropped")

	repo := &fakeRepo{}
	repo.getObjectsFunc = func(_ context.Context, oids []string) ([]api.SerializedObject, error) {
		if len(repo.getBatches) > 1 {
			return nil, wantErr
		}
		out := make([]api.SerializedObject, 0, len(oids))
		for _, oid := range oids {
			out = append(out, serializedObject(oid, "Product", stamp))
		}
		return out, nil
	}
	objects := newFakeObjects()

	f := NewFetcher(repo, objects, newFakeRegistry(), models.DefaultCatalog(), notify.NewBus(), testLogger(), 2)

	applied, err := f.FetchAll(ctx, models.GlobalScope(), []string{"o1", "o2", "o3", "o4"})
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, 2, applied)

	// First batch committed, second never arrived.
	_, err = objects.GetObject(ctx, "o1")
	assert.NoError(t, err)
	_, err = objects.GetObject(ctx, "o2")
	assert.NoError(t, err)
	_, err = objects.GetObject(ctx, "o3")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestFetcher_FetchAll_SortsBatchByCatalogRank(t *testing.T) {
	ctx := context.Background()
	stamp := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	repo := &fakeRepo{
		getObjectsFunc: func(context.Context, []string) ([]api.SerializedObject, error) {
			// Served with the referencing class first; the applier
			// must write the referent class first anyway.
			return []api.SerializedObject{
				serializedObject("prod-1", "Product", stamp),
				serializedObject("ptype-1", "ProductType", stamp),
			}, nil
		},
	}
	objects := newFakeObjects()

	f := NewFetcher(repo, objects, newFakeRegistry(), models.DefaultCatalog(), notify.NewBus(), testLogger(), 10)

	_, err := f.FetchAll(ctx, models.LibraryScope(), []string{"prod-1", "ptype-1"})
	require.NoError(t, err)

	require.Len(t, objects.saveOrder, 1)
	assert.Equal(t, []string{"ptype-1", "prod-1"}, objects.saveOrder[0])
}

func TestFetcher_FetchAll_ClearsTombstonesOnResurrection(t *testing.T) {
	ctx := context.Background()
	stamp := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	registry := newFakeRegistry()
	require.NoError(t, registry.SaveTombstones(ctx, []*storage.Tombstone{
		{OID: "o1", CName: "Product", ModTime: stamp.Add(-time.Hour), Origin: models.OriginLocal},
	}))

	repo := &fakeRepo{
		getObjectsFunc: func(_ context.Context, oids []string) ([]api.SerializedObject, error) {
			return []api.SerializedObject{serializedObject("o1", "Product", stamp)}, nil
		},
	}

	f := NewFetcher(repo, newFakeObjects(), registry, models.DefaultCatalog(), notify.NewBus(), testLogger(), 0)

	_, err := f.FetchAll(ctx, models.GlobalScope(), []string{"o1"})
	require.NoError(t, err)

	stones, err := registry.Tombstones(ctx)
	require.NoError(t, err)
	assert.Empty(t, stones, "a refetched oid supersedes its tombstone")
}

func TestFetcher_FetchAll_Empty(t *testing.T) {
	repo := &fakeRepo{}
	f := NewFetcher(repo, newFakeObjects(), newFakeRegistry(), models.DefaultCatalog(), notify.NewBus(), testLogger(), 2)

	applied, err := f.FetchAll(context.Background(), models.GlobalScope(), nil)
	require.NoError(t, err)
	assert.Zero(t, applied)
	assert.Empty(t, repo.getBatches)
}

func TestFetcher_FetchAll_SaveFailureAbortsRound(t *testing.T) {
	ctx := context.Background()
	stamp := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	wantErr := errors.New("disk full")

	repo := &fakeRepo{
		getObjectsFunc: func(_ context.Context, oids []string) ([]api.SerializedObject, error) {
			return []api.SerializedObject{serializedObject(oids[0], "Product", stamp)}, nil
		},
	}
	objects := newFakeObjects()
	objects.saveErr = wantErr

	f := NewFetcher(repo, objects, newFakeRegistry(), models.DefaultCatalog(), notify.NewBus(), testLogger(), 1)

	applied, err := f.FetchAll(ctx, models.GlobalScope(), []string{"o1", "o2"})
	require.ErrorIs(t, err, wantErr)
	assert.Zero(t, applied)
	assert.Len(t, repo.getBatches, 1, "the round stops at the failed batch")
}
