package tagsql_test

import (
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/objectvault/storage-gateway/internal/tagsql"
)

func TestUnboundRunsAutocommit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE tenants").WillReturnResult(sqlmock.NewResult(0, 1))

	u := (&tagsql.DB{DB: db}).Unbound()
	_, err = u.ExecContext("UPDATE tenants SET migration_status = $1", "COMPLETED")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
