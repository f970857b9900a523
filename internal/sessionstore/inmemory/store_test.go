package inmemory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-dev/workspace-node/internal/models"
	"github.com/atelier-dev/workspace-node/internal/sessionstore/inmemory"
)

func TestStore_SaveGetDelete(t *testing.T) {
	store := inmemory.New()
	ctx := context.Background()

	session := models.ProjectSession{
		ProjectID: "p1",
		UnitID:    "unit-1",
		Endpoint:  "10.0.0.1:7070",
		LastUsed:  time.Now(),
		Metadata:  map[string]string{"language": "go"},
	}
	require.NoError(t, store.Save(ctx, session))

	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, session.UnitID, got.UnitID)
	assert.Equal(t, session.Metadata, got.Metadata)

	missing, err := store.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.Delete(ctx, "p1"))
	got, err = store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// deleting twice is fine
	require.NoError(t, store.Delete(ctx, "p1"))
}

func TestStore_SaveOverwrites(t *testing.T) {
	store := inmemory.New()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, models.ProjectSession{ProjectID: "p1", UnitID: "old"}))
	require.NoError(t, store.Save(ctx, models.ProjectSession{ProjectID: "p1", UnitID: "new"}))

	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.UnitID("new"), got.UnitID)

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestStore_TouchBumpsLastUsed(t *testing.T) {
	store := inmemory.New()
	ctx := context.Background()

	stale := time.Now().Add(-time.Hour)
	require.NoError(t, store.Save(ctx, models.ProjectSession{ProjectID: "p1", LastUsed: stale}))

	now := time.Now()
	require.NoError(t, store.Touch(ctx, "p1", now))

	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, now, got.LastUsed)

	// touching an unknown project is a no-op
	require.NoError(t, store.Touch(ctx, "ghost", now))
}

func TestStore_GetReturnsCopy(t *testing.T) {
	store := inmemory.New()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, models.ProjectSession{ProjectID: "p1", UnitID: "unit-1"}))

	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	got.UnitID = "mutated"

	again, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.UnitID("unit-1"), again.UnitID)
}
