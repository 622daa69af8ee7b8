package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/vpsdeck/internal/database"
)

func setupRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return New(db)
}

func ptr[T any](v T) *T { return &v }

func TestUpsertCreatesThenPatches(t *testing.T) {
	r := setupRegistry(t)

	rec, err := r.Upsert("u1", "203.0.113.10", Patch{})
	require.NoError(t, err)
	assert.Equal(t, 22, rec.Port)
	assert.Equal(t, "root", rec.Username)
	assert.False(t, rec.Configured)
	assert.Empty(t, rec.Features)

	rec2, err := r.Upsert("u1", "203.0.113.10", Patch{Port: ptr(2222), Domain: ptr("example.com")})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, rec2.ID)
	assert.Equal(t, 2222, rec2.Port)
	assert.Equal(t, "example.com", rec2.Domain)
	assert.Equal(t, "root", rec2.Username)

	_, err = r.Get("u2", "203.0.113.10")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendLogKeepsLatest100(t *testing.T) {
	r := setupRegistry(t)
	_, err := r.Upsert("u1", "h1", Patch{})
	require.NoError(t, err)

	for i := 0; i < 130; i++ {
		require.NoError(t, r.AppendLog("u1", "h1", LevelInfo, fmt.Sprintf("line %d", i)))
	}

	rec, err := r.Get("u1", "h1")
	require.NoError(t, err)
	require.Len(t, rec.Logs, MaxLogEntries)
	assert.Equal(t, "line 30", rec.Logs[0].Message)
	assert.Equal(t, "line 129", rec.Logs[len(rec.Logs)-1].Message)
}

func TestAppendLogConcurrent(t *testing.T) {
	r := setupRegistry(t)
	_, err := r.Upsert("u1", "h1", Patch{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 40; i++ {
				assert.NoError(t, r.AppendLog("u1", "h1", LevelInfo, fmt.Sprintf("w%d-%d", w, i)))
			}
		}(w)
	}
	wg.Wait()

	rec, err := r.Get("u1", "h1")
	require.NoError(t, err)
	assert.Len(t, rec.Logs, MaxLogEntries)
}

func TestAppendLogUnknownHost(t *testing.T) {
	r := setupRegistry(t)
	assert.ErrorIs(t, r.AppendLog("u1", "nope", LevelError, "x"), ErrNotFound)
}

func TestMarkConfiguredAndReset(t *testing.T) {
	r := setupRegistry(t)
	fixed := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	r.SetNowFunc(func() time.Time { return fixed })

	_, err := r.Upsert("u1", "h1", Patch{})
	require.NoError(t, err)

	configured, err := r.IsConfigured("u1", "h1")
	require.NoError(t, err)
	assert.False(t, configured)

	require.NoError(t, r.MarkConfigured("u1", "h1", map[string]bool{"nginx": true, "ufw": true}, "Shop.Example.com"))
	rec, err := r.Get("u1", "h1")
	require.NoError(t, err)
	assert.True(t, rec.Configured)
	require.NotNil(t, rec.ConfiguredAt)
	assert.True(t, fixed.Equal(*rec.ConfiguredAt))
	assert.Equal(t, map[string]bool{"nginx": true, "ufw": true}, rec.Features)
	require.Len(t, rec.Sites, 1)
	assert.Equal(t, "shop.example.com", rec.Sites[0].Domain)
	assert.Equal(t, database.SiteActive, rec.Sites[0].Status)

	require.NoError(t, r.MarkReset("u1", "h1"))
	rec, err = r.Get("u1", "h1")
	require.NoError(t, err)
	assert.False(t, rec.Configured)
	assert.Nil(t, rec.ConfiguredAt)
	require.NotNil(t, rec.ResetAt)
	assert.Empty(t, rec.Features)
	assert.Empty(t, rec.Sites)
}

func TestRecordCheck(t *testing.T) {
	r := setupRegistry(t)
	_, err := r.Upsert("u1", "h1", Patch{})
	require.NoError(t, err)

	require.NoError(t, r.RecordCheck("u1", "h1", map[string]bool{"docker": false, "nginx": true}))
	rec, err := r.Get("u1", "h1")
	require.NoError(t, err)
	require.NotNil(t, rec.LastCheckedAt)
	assert.Equal(t, map[string]bool{"docker": false, "nginx": true}, rec.Features)
}

func TestSitesAndDelete(t *testing.T) {
	r := setupRegistry(t)
	rec, err := r.Upsert("u1", "h1", Patch{})
	require.NoError(t, err)

	require.NoError(t, r.SetSiteStatus("u1", "h1", "a.example.com", database.SiteActive))
	require.NoError(t, r.SetSiteStatus("u1", "h1", "b.example.com", database.SiteSuspended))
	assert.ErrorIs(t, r.SetSiteStatus("u1", "h1", "c.example.com", "paused"), ErrInvalidStatus)

	err = r.Delete("u1", rec.ID)
	assert.ErrorIs(t, err, ErrHasActiveSites)

	require.NoError(t, r.SetSiteStatus("u1", "h1", "a.example.com", database.SiteDeleted))
	require.NoError(t, r.AppendLog("u1", "h1", LevelInfo, "about to go"))

	assert.ErrorIs(t, r.Delete("u2", rec.ID), ErrNotFound)
	require.NoError(t, r.Delete("u1", rec.ID))
	_, err = r.Get("u1", "h1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRemoveSite(t *testing.T) {
	r := setupRegistry(t)
	_, err := r.Upsert("u1", "h1", Patch{})
	require.NoError(t, err)
	require.NoError(t, r.SetSiteStatus("u1", "h1", "a.example.com", database.SiteActive))

	require.NoError(t, r.RemoveSite("u1", "h1", "a.example.com"))
	assert.ErrorIs(t, r.RemoveSite("u1", "h1", "a.example.com"), ErrNotFound)
}

func TestListScopedToUser(t *testing.T) {
	r := setupRegistry(t)
	for _, h := range []string{"h2", "h1"} {
		_, err := r.Upsert("u1", h, Patch{})
		require.NoError(t, err)
	}
	_, err := r.Upsert("u2", "h3", Patch{})
	require.NoError(t, err)

	list, err := r.List("u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "h1", list[0].Host)
	assert.Nil(t, list[0].Logs)
}
