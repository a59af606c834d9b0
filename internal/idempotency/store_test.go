package idempotency

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)

	record := Record{
		StatusCode: 201,
		Response:   []byte("ok"),
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(time.Minute),
	}
	require.NoError(t, store.Save(ctx, "abc", record))

	got, err := store.Get(ctx, "abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ok", string(got.Response))

	record.ExpiresAt = time.Now().Add(-time.Second)
	require.NoError(t, store.Save(ctx, "old", record))
	got, err = store.Get(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idem.json")

	store, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Ping(context.Background()))

	ctx := context.Background()
	record := Record{
		StatusCode:  200,
		ContentType: "application/json",
		Response:    []byte(`{"success":true}`),
		Fingerprint: "fp",
		CreatedAt:   time.Unix(0, 0),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	require.NoError(t, store.Save(ctx, "key", record))

	_, err = os.Stat(path)
	require.NoError(t, err, "expected file on disk")

	store2, err := NewFileStore(path)
	require.NoError(t, err)

	got, err := store2.Get(ctx, "key")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, `{"success":true}`, string(got.Response))
	assert.Equal(t, "application/json", got.ContentType)
	assert.Equal(t, "fp", got.Fingerprint)
}

func TestStoresReserveOnlyFreeKeys(t *testing.T) {
	file, err := NewFileStore(filepath.Join(t.TempDir(), "idem.json"))
	require.NoError(t, err)

	for name, store := range map[string]Store{"memory": NewMemoryStore(), "file": file} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			pending := Record{Fingerprint: "fp", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}

			existing, err := store.Reserve(ctx, "k", pending)
			require.NoError(t, err)
			assert.Nil(t, existing)

			existing, err = store.Reserve(ctx, "k", pending)
			require.NoError(t, err)
			require.NotNil(t, existing)
			assert.True(t, existing.Pending)

			require.NoError(t, store.Release(ctx, "k"))
			existing, err = store.Reserve(ctx, "k", pending)
			require.NoError(t, err)
			assert.Nil(t, existing, "released key can be reserved again")

			require.NoError(t, store.Save(ctx, "k", Record{StatusCode: 200, Fingerprint: "fp", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}))
			require.NoError(t, store.Release(ctx, "k"))
			got, err := store.Get(ctx, "k")
			require.NoError(t, err)
			require.NotNil(t, got, "finished records survive release")
			assert.False(t, got.Pending)

			stale := Record{Pending: true, CreatedAt: now, ExpiresAt: now.Add(-time.Second)}
			require.NoError(t, store.Save(ctx, "stale", stale))
			existing, err = store.Reserve(ctx, "stale", pending)
			require.NoError(t, err)
			assert.Nil(t, existing, "expired reservation is taken over")
		})
	}
}
