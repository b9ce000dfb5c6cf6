package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/jake-fetch/urlfetch/internal/fetchstore"
)

func TestStore_Create_InsertsDocument(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "fetch_records")
	require.NoError(t, err)

	mock.ExpectQuery("INSERT INTO fetch_records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "doc"}).
			AddRow("rec-1", mustMarshalRow(t, row{ID: "rec-1", URL: "https://example.com", Status: "PENDING"})))

	rec, err := store.Create(context.Background(), fetchstore.Record{URL: "https://example.com", Status: fetchstore.StatusPending})
	require.NoError(t, err)
	require.Equal(t, "rec-1", rec.ID)
	require.Equal(t, fetchstore.StatusPending, rec.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FindByID_NotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "fetch_records")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id, doc FROM fetch_records").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"id", "doc"}))

	_, err = store.FindByID(context.Background(), "missing")
	require.ErrorIs(t, err, fetchstore.ErrNotFound)
}

func TestStore_Update_AppliesInvariantsUnderTransaction(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "fetch_records")
	require.NoError(t, err)

	existing := row{ID: "rec-1", URL: "https://example.com", Status: "PENDING", CreatedAt: time.Now().UTC()}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, doc FROM fetch_records WHERE id = \\$1 FOR UPDATE").
		WithArgs("rec-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "doc"}).AddRow("rec-1", mustMarshalRow(t, existing)))
	mock.ExpectExec("UPDATE fetch_records SET doc = \\$2 WHERE id = \\$1").
		WithArgs("rec-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	updated, err := store.Update(context.Background(), "rec-1", fetchstore.Update{
		Status:       fetchstore.StatusPtr(fetchstore.StatusFailed),
		ErrorMessage: fetchstore.StrPtr("boom"),
		Content:      fetchstore.StrPtr("should be cleared"),
	})
	require.NoError(t, err)
	require.Equal(t, fetchstore.StatusFailed, updated.Status)
	require.Empty(t, updated.Content)
	require.Equal(t, "boom", updated.ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func mustMarshalRow(t *testing.T, r row) []byte {
	t.Helper()
	b, err := json.Marshal(r)
	require.NoError(t, err)
	return b
}
