package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(cause, ErrCodeUnavailable, "store down")

	assert.Equal(t, "store down: dial tcp: refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "ignored"))
	assert.Nil(t, Wrapf(nil, ErrCodeInternal, "ignored %d", 1))
}

func TestCodeHelpers(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", NotFoundf("job %s not found", "j-1"))

	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsConflict(wrapped))
	assert.Equal(t, ErrCodeNotFound, GetCode(wrapped))
	assert.Equal(t, ErrorCode(""), GetCode(errors.New("plain")))

	v := ValidationField("email", "email is required")
	assert.True(t, IsValidation(v))
	assert.Equal(t, "email", GetField(v))
	assert.True(t, IsUnavailable(Unavailable("queue full")))
}

func TestPublicMessage(t *testing.T) {
	err := Wrap(errors.New("pq: secret detail"), ErrCodeInternal, "report generation failed")

	assert.Equal(t, "report generation failed", PublicMessage(err, "fallback"))
	assert.Equal(t, "fallback", PublicMessage(errors.New("raw"), "fallback"))
}

func TestMapDBError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want ErrorCode
	}{
		{name: "deadline", in: context.DeadlineExceeded, want: ErrCodeTimeout},
		{name: "canceled", in: fmt.Errorf("query: %w", context.Canceled), want: ErrCodeCanceled},
		{name: "sql no rows", in: sql.ErrNoRows, want: ErrCodeNotFound},
		{name: "pgx no rows", in: pgx.ErrNoRows, want: ErrCodeNotFound},
		{name: "redis nil", in: redis.Nil, want: ErrCodeNotFound},
		{
			name: "unique violation",
			in:   &pgconn.PgError{Code: pgerrcode.UniqueViolation, ColumnName: "event_id"},
			want: ErrCodeConflict,
		},
		{name: "check violation", in: &pgconn.PgError{Code: pgerrcode.CheckViolation}, want: ErrCodeValidation},
		{name: "serialization", in: &pgconn.PgError{Code: pgerrcode.SerializationFailure}, want: ErrCodeConflict},
		{name: "too many conns", in: &pgconn.PgError{Code: pgerrcode.TooManyConnections}, want: ErrCodeUnavailable},
		{name: "other pg", in: &pgconn.PgError{Code: pgerrcode.SyntaxError}, want: ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapDBError(tt.in)
			require.Error(t, got)
			assert.Equal(t, tt.want, GetCode(got))
			assert.ErrorIs(t, got, tt.in)
		})
	}

	t.Run("passthrough", func(t *testing.T) {
		plain := errors.New("something else")
		assert.Same(t, plain, MapDBError(plain))
		assert.NoError(t, MapDBError(nil))
	})

	t.Run("unique violation field", func(t *testing.T) {
		got := MapDBError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, ColumnName: "event_id"})
		assert.Equal(t, "event_id", GetField(got))
	})
}
