package seed_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/training-booking/internal/ledger"
	"github.com/noah-isme/training-booking/internal/repo/memrepo"
	"github.com/noah-isme/training-booking/internal/seed"
)

func TestApplyIsRepeatable(t *testing.T) {
	ctx := context.Background()
	store := memrepo.New()
	led := &ledger.Service{Store: store, Logger: zerolog.Nop()}
	data := seed.Demo(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, seed.Apply(ctx, store, led, data))
	require.NoError(t, seed.Apply(ctx, store, led, data))

	bal, err := led.Balance(ctx, "u-ada")
	require.NoError(t, err)
	require.Equal(t, "12", bal.String())
	require.NoError(t, led.Verify(ctx, "u-ada"))

	members, err := store.OrganisationMembers(ctx, "org-hart")
	require.NoError(t, err)
	require.Len(t, members, 3)

	d, err := store.CourseDate(ctx, "d-contract-1")
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC), d.StartsAt)

	require.Equal(t, []string{"u-ops"}, data.Admins())
}
