package migrate_test

import (
	"context"
	"testing"
	"testing/fstest"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/objectvault/storage-gateway/internal/migrate"
)

func TestLoadDirSortsByVersion(t *testing.T) {
	dir := fstest.MapFS{
		"2_add_index.sql":    {Data: []byte("CREATE INDEX x ON y (z)")},
		"1_create_table.sql": {Data: []byte("CREATE TABLE y (z INT)")},
	}

	steps, err := migrate.LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, 1, steps[0].Version)
	require.Equal(t, "create_table", steps[0].Description)
	require.Equal(t, 2, steps[1].Version)
}

func TestLoadDirRejectsMissingVersionPrefix(t *testing.T) {
	dir := fstest.MapFS{"nope.sql": {Data: []byte("SELECT 1")}}

	_, err := migrate.LoadDir(dir)
	require.Error(t, err)
}

func TestRunSkipsAlreadyAppliedSteps(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS storage").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS storage.migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT max\\(version\\) FROM storage.migrations").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(1))

	mock.ExpectBegin()
	mock.ExpectExec("CREATE INDEX x ON y").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO storage.migrations").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	steps := []migrate.Step{
		{Version: 1, Description: "create_table", SQL: "CREATE TABLE y (z INT)"},
		{Version: 2, Description: "add_index", SQL: "CREATE INDEX x ON y (z)"},
	}

	require.NoError(t, migrate.Run(context.Background(), db, steps, 0))
	require.NoError(t, mock.ExpectationsWereMet())
}
