package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

var resourceColumns = []string{
	"id", "url", "name", "description", "key_words", "interval",
	"starts_from", "make_screenshot", "enabled", "monitoring_polygon",
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("evt-%d", s.n), nil
}

func newTestRegistry(t *testing.T) (*Registry, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	reg, err := NewRegistryWithPool(mock, RegistryConfig{BackoffInitial: time.Millisecond}, Options{
		Clock: fixedClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)},
		IDs:   &seqIDs{},
	})
	require.NoError(t, err)
	return reg, mock
}

func TestNewRegistryWithPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRegistryWithPool(nil, RegistryConfig{}, Options{})
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRegistryWithPool(mock, RegistryConfig{EventsTable: "events; DROP TABLE x"}, Options{})
	require.Error(t, err)

	reg, err := NewRegistryWithPool(mock, RegistryConfig{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, defaultResourcesTable, reg.resourcesTable)
	assert.Equal(t, defaultEventsTable, reg.eventsTable)
	assert.Equal(t, defaultInsertAttempts, reg.attempts)
}

func TestListEnabledResources(t *testing.T) {
	t.Parallel()

	reg, mock := newTestRegistry(t)
	starts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows(resourceColumns).
		AddRow(
			"00000000-0000-0000-0000-000000000001",
			"https://example.com/news",
			"News",
			"front page",
			[]string{"новость", " "},
			"*/5 * * * *",
			(*time.Time)(nil),
			false,
			true,
			[]byte(nil),
		).
		AddRow(
			"00000000-0000-0000-0000-000000000002",
			"https://example.com/banner",
			"Banner",
			"",
			[]string{},
			"0 * * * *",
			&starts,
			true,
			true,
			[]byte(`[{"x":10,"y":20,"width":100,"height":50,"sensitivity":30},{"x":0,"y":0,"width":1,"height":1}]`),
		)
	mock.ExpectQuery("FROM resources").WillReturnRows(rows)

	got, err := reg.ListEnabledResources(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, []string{"новость"}, got[0].Keywords)
	assert.Nil(t, got[0].Zone)
	assert.Nil(t, got[0].StartsFrom)

	assert.Nil(t, got[1].Keywords)
	require.NotNil(t, got[1].Zone)
	assert.Equal(t, monitor.Zone{X: 10, Y: 20, Width: 100, Height: 50, Sensitivity: 30}, *got[1].Zone)
	require.NotNil(t, got[1].StartsFrom)
	assert.True(t, starts.Equal(*got[1].StartsFrom))
	assert.True(t, got[1].MakeScreenshot)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListEnabledResourcesQueryError(t *testing.T) {
	t.Parallel()

	reg, mock := newTestRegistry(t)
	mock.ExpectQuery("FROM resources").WillReturnError(errors.New("connection refused"))

	_, err := reg.ListEnabledResources(context.Background())
	require.ErrorContains(t, err, "connection refused")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListEnabledResourcesSkipsInvalidRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	core, logs := observer.New(zap.WarnLevel)
	reg, err := NewRegistryWithPool(mock, RegistryConfig{}, Options{Logger: zap.New(core)})
	require.NoError(t, err)

	rows := pgxmock.NewRows(resourceColumns).
		AddRow(
			"00000000-0000-0000-0000-000000000001", "https://example.com/a", "", "",
			[]string{"fire"}, "* * * * *", (*time.Time)(nil), false, true, []byte(nil),
		).
		AddRow(
			"00000000-0000-0000-0000-000000000002", "https://example.com/b", "", "",
			[]string{}, "* * * * *", (*time.Time)(nil), true, true,
			[]byte(`[{"x":0,"y":0,"width":10,"height":10,"sensitivity":150}]`),
		).
		AddRow(
			"00000000-0000-0000-0000-000000000003", "https://example.com/c", "", "",
			[]string{}, "* * * * *", (*time.Time)(nil), true, true,
			[]byte(`{not json`),
		)
	mock.ExpectQuery("FROM resources").WillReturnRows(rows)

	got, err := reg.ListEnabledResources(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", got[0].ID)
	assert.Equal(t, []string{"fire"}, got[0].Keywords)

	skipped := logs.FilterMessage("skipping invalid resource row").All()
	require.Len(t, skipped, 2)
	assert.Equal(t, "00000000-0000-0000-0000-000000000002", skipped[0].ContextMap()["resource_id"])
	assert.Equal(t, "00000000-0000-0000-0000-000000000003", skipped[1].ContextMap()["resource_id"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListEnabledResourcesRowsErrorIsFatal(t *testing.T) {
	t.Parallel()

	reg, mock := newTestRegistry(t)
	rows := pgxmock.NewRows(resourceColumns).
		AddRow(
			"00000000-0000-0000-0000-000000000001", "https://example.com/a", "", "",
			[]string{"fire"}, "* * * * *", (*time.Time)(nil), false, true, []byte(nil),
		).
		RowError(0, errors.New("connection reset"))
	mock.ExpectQuery("FROM resources").WillReturnRows(rows)

	_, err := reg.ListEnabledResources(context.Background())
	require.ErrorContains(t, err, "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadResourceNotFound(t *testing.T) {
	t.Parallel()

	reg, mock := newTestRegistry(t)
	mock.ExpectQuery("FROM resources").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(resourceColumns))

	_, err := reg.LoadResource(context.Background(), "missing")
	require.ErrorIs(t, err, monitor.ErrResourceNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadResourceBadPolygon(t *testing.T) {
	t.Parallel()

	reg, mock := newTestRegistry(t)
	rows := pgxmock.NewRows(resourceColumns).AddRow(
		"r1", "https://example.com", "", "", []string{}, "* * * * *",
		(*time.Time)(nil), false, true,
		[]byte(`[{"x":0,"y":0,"width":10,"height":10,"sensitivity":150}]`),
	)
	mock.ExpectQuery("FROM resources").WithArgs("r1").WillReturnRows(rows)

	_, err := reg.LoadResource(context.Background(), "r1")
	require.ErrorContains(t, err, "sensitivity")
}

func TestEmitEventsSingleTransaction(t *testing.T) {
	t.Parallel()

	reg, mock := newTestRegistry(t)
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO monitoring_events").
		WithArgs("evt-1", "keyword новость detected", "r1_2", "r1", now, "CREATED").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO monitoring_events").
		WithArgs("given", "image changed", "r1_2", "r1", now, "CREATED").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := reg.EmitEvents(context.Background(), []monitor.Event{
		{ResourceID: "r1", SnapshotID: "r1_2", Name: "keyword новость detected"},
		{ID: "given", ResourceID: "r1", SnapshotID: "r1_2", Name: "image changed", CreatedAt: now},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEmitEventsRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	reg, mock := newTestRegistry(t)
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO monitoring_events").WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO monitoring_events").
		WithArgs("evt-1", "image changed", "r1_1", "r1", now, "CREATED").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, reg.EmitEvent(context.Background(), "r1", "r1_1", "image changed"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEmitEventsGivesUpAfterAttempts(t *testing.T) {
	t.Parallel()

	reg, mock := newTestRegistry(t)
	for range defaultInsertAttempts {
		mock.ExpectBegin().WillReturnError(errors.New("too many connections"))
	}

	err := reg.EmitEvent(context.Background(), "r1", "r1_1", "image changed")
	require.ErrorContains(t, err, "too many connections")
	require.ErrorContains(t, err, "after 3 attempts")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEmitEventsValidation(t *testing.T) {
	t.Parallel()

	reg, mock := newTestRegistry(t)
	require.NoError(t, reg.EmitEvents(context.Background(), nil))

	err := reg.EmitEvents(context.Background(), []monitor.Event{{ResourceID: "r1", Name: "x"}})
	require.Error(t, err)

	err = reg.EmitEvents(context.Background(), []monitor.Event{{
		ResourceID: "r1", SnapshotID: "r1_1", Name: "x", Status: "BOGUS",
	}})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestParseZone(t *testing.T) {
	t.Parallel()

	for _, raw := range [][]byte{nil, []byte("null"), []byte("[]"), []byte("  ")} {
		zone, err := parseZone(raw)
		require.NoError(t, err)
		assert.Nil(t, zone)
	}

	_, err := parseZone([]byte(`{"x":1}`))
	require.Error(t, err)
}

func TestScanResourceNoRows(t *testing.T) {
	t.Parallel()

	_, err := scanResource(errRow{err: pgx.ErrNoRows})
	require.ErrorIs(t, err, pgx.ErrNoRows)
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }
