package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/applyforge/jobengine/internal/store"
)

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil passes through", nil, nil},
		{"no rows maps to not found", sql.ErrNoRows, store.ErrNotFound},
		{
			"unique violation maps to duplicate",
			&pgconn.PgError{Code: uniqueViolationCode},
			store.ErrDuplicate,
		},
		{
			"check violation maps to invalid entity",
			&pgconn.PgError{Code: checkViolationCode, ConstraintName: "jobs_status_check"},
			store.ErrInvalidEntity,
		},
		{
			"not null violation maps to invalid entity",
			&pgconn.PgError{Code: notNullViolationCode, ColumnName: "dedup_key"},
			store.ErrInvalidEntity,
		},
		{
			"wrapped pg error still maps",
			fmt.Errorf("exec: %w", &pgconn.PgError{Code: uniqueViolationCode}),
			store.ErrDuplicate,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := MapError(tt.err)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.want)
		})
	}

	t.Run("unknown error passes through", func(t *testing.T) {
		t.Parallel()

		unknown := errors.New("connection refused")
		assert.Equal(t, unknown, MapError(unknown))
	})
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: uniqueViolationCode}))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: checkViolationCode}))
	assert.False(t, IsUniqueViolation(errors.New("plain")))
}
