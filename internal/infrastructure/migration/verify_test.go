package migration

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("all objects present", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		for _, check := range RequiredObjects {
			mock.ExpectQuery(regexp.QuoteMeta(check.Query)).
				WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
		}

		assert.NoError(t, Verify(ctx, db))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing trigger is reported", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(regexp.QuoteMeta(RequiredObjects[0].Query)).
			WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
		mock.ExpectQuery(regexp.QuoteMeta(RequiredObjects[1].Query)).
			WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

		err = Verify(ctx, db)
		assert.ErrorIs(t, err, ErrSchemaIncomplete)
		assert.Contains(t, err.Error(), "trg_compliance_event_logs_immutable")
	})

	t.Run("query errors are returned", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(regexp.QuoteMeta(RequiredObjects[0].Query)).WillReturnError(errors.New("permission denied"))

		err = Verify(ctx, db)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrSchemaIncomplete)
	})
}
