package repo

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/training-booking/internal/booking"
)

func TestConstraintViolation(t *testing.T) {
	wrapped := fmt.Errorf("insert: %w", &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: constraintConfirmedSlot})
	name, ok := constraintViolation(wrapped)
	require.True(t, ok)
	require.Equal(t, constraintConfirmedSlot, name)

	_, ok = constraintViolation(&pgconn.PgError{Code: codeCheckViolation})
	require.False(t, ok)
	require.True(t, isCheckViolation(&pgconn.PgError{Code: codeCheckViolation}))

	_, ok = constraintViolation(errors.New("boom"))
	require.False(t, ok)
}

func TestMapBookingConstraint(t *testing.T) {
	require.NoError(t, mapBookingConstraint(nil))
	require.ErrorIs(t, mapBookingConstraint(&pgconn.PgError{Code: codeUniqueViolation, ConstraintName: constraintConfirmedSlot}), booking.ErrAlreadyConfirmed)
	require.ErrorIs(t, mapBookingConstraint(&pgconn.PgError{Code: codeUniqueViolation, ConstraintName: constraintBookingsPkey}), booking.ErrDuplicateID)

	other := &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: "users_email_key"}
	require.Same(t, other, mapBookingConstraint(other))
}

func TestLimitArg(t *testing.T) {
	require.Nil(t, limitArg(0))
	require.Nil(t, limitArg(-3))
	require.Equal(t, 25, limitArg(25))
}

func TestNilStoreIsUnavailable(t *testing.T) {
	var p *Postgres
	require.ErrorIs(t, p.ready(), ErrPoolUnavailable)
	require.ErrorIs(t, NewPostgres(nil).ready(), ErrPoolUnavailable)
}
