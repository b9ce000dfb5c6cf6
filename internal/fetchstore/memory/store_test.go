package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jake-fetch/urlfetch/internal/fetchstore"
	"github.com/jake-fetch/urlfetch/internal/fetchstore/memory"
	"github.com/jake-fetch/urlfetch/internal/urlnorm"
)

func TestStore_CreateAndFindByID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New(nil)

	rec, err := store.Create(ctx, fetchstore.Record{
		URL:    urlnorm.Canonical("example.com"),
		Status: fetchstore.StatusPending,
	})
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)

	got, err := store.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec.URL, got.URL)
}

func TestStore_FindByURL_Variants(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New(nil)

	canonical := urlnorm.Canonical("ynet.co.il")
	_, err := store.Create(ctx, fetchstore.Record{URL: canonical, Status: fetchstore.StatusSuccess})
	require.NoError(t, err)

	got, err := store.FindByURL(ctx, "www.ynet.co.il")
	require.NoError(t, err)
	require.Equal(t, canonical, got.URL)
}

func TestStore_Update_EnforcesInvariants(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New(nil)

	rec, err := store.Create(ctx, fetchstore.Record{URL: "https://example.com", Status: fetchstore.StatusPending})
	require.NoError(t, err)

	now := time.Now().UTC()
	updated, err := store.Update(ctx, rec.ID, fetchstore.Update{
		Status:      fetchstore.StatusPtr(fetchstore.StatusSuccess),
		Content:     fetchstore.StrPtr("<html>ok</html>"),
		ContentHash: fetchstore.StrPtr("deadbeef"),
		FetchedAt:   fetchstore.TimePtr(&now),
	})
	require.NoError(t, err)
	require.Equal(t, fetchstore.StatusSuccess, updated.Status)
	require.Empty(t, updated.ErrorMessage)

	updated, err = store.Update(ctx, rec.ID, fetchstore.Update{
		Status:       fetchstore.StatusPtr(fetchstore.StatusFailed),
		ErrorMessage: fetchstore.StrPtr("boom"),
	})
	require.NoError(t, err)
	require.Equal(t, fetchstore.StatusFailed, updated.Status)
	require.Empty(t, updated.Content)
	require.Empty(t, updated.ContentHash)
	require.Equal(t, "boom", updated.ErrorMessage)
}

func TestStore_GetRecentByURL_DirectSuccessWithinWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fixedNow := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := memory.New(func() time.Time { return fixedNow })

	fetchedAt := fixedNow.Add(-30 * time.Minute)
	rec, err := store.Create(ctx, fetchstore.Record{URL: "https://example.com", Status: fetchstore.StatusPending})
	require.NoError(t, err)
	_, err = store.Update(ctx, rec.ID, fetchstore.Update{
		Status:    fetchstore.StatusPtr(fetchstore.StatusSuccess),
		FetchedAt: fetchstore.TimePtr(&fetchedAt),
		Content:   fetchstore.StrPtr("ok"),
	})
	require.NoError(t, err)

	found, ok, err := store.GetRecentByURL(ctx, "https://example.com", 60*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, fetchstore.StatusSuccess, found.Status)

	_, ok, err = store.GetRecentByURL(ctx, "https://example.com", 20*time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_GetRecentByURL_RedirectMatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fixedNow := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := memory.New(func() time.Time { return fixedNow })

	fetchedAt := fixedNow.Add(-10 * time.Minute)
	rec, err := store.Create(ctx, fetchstore.Record{URL: "https://www.ynet.co.il", Status: fetchstore.StatusPending})
	require.NoError(t, err)
	redirectChain := []string{"https://ynet.co.il"}
	_, err = store.Update(ctx, rec.ID, fetchstore.Update{
		Status:        fetchstore.StatusPtr(fetchstore.StatusSuccess),
		FetchedAt:     fetchstore.TimePtr(&fetchedAt),
		RedirectChain: fetchstore.StrSlicePtr(redirectChain),
		Content:       fetchstore.StrPtr("ok"),
	})
	require.NoError(t, err)

	found, ok, err := store.GetRecentByURL(ctx, "www.ynet.co.il", 60*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.ID, found.ID)
}

func TestStore_FindStalePending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	current := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := memory.New(func() time.Time { return current })

	staleRec, err := store.Create(ctx, fetchstore.Record{URL: "https://stale.example", Status: fetchstore.StatusPending})
	require.NoError(t, err)

	current = current.Add(200 * time.Minute)
	_, err = store.Create(ctx, fetchstore.Record{URL: "https://fresh.example", Status: fetchstore.StatusPending})
	require.NoError(t, err)

	current = current.Add(10 * time.Minute)
	stale, err := store.FindStalePending(ctx, 120*time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, staleRec.ID, stale[0].ID)
}
