package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"scopesafe/internal/types"
)

func TestTierLimitRepository_List(t *testing.T) {
	db := new(mockDBTX)
	ctx := context.Background()
	db.On("Query", ctx, sqlContains("FROM lifetime_tier_limits"), mock.Anything).
		Return(newMockRows([][]any{{"early", 40}, {"final", 90}}), nil)

	got, err := NewTierLimitRepository(db).List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.TierLimit{
		{Tier: types.LifetimeTierEarly, MaxSlots: 40},
		{Tier: types.LifetimeTierFinal, MaxSlots: 90},
	}, got)
}

func TestTierLimitRepository_List_ScanError(t *testing.T) {
	db := new(mockDBTX)
	ctx := context.Background()
	rows := newMockRows([][]any{{"early", 40}})
	rows.scanErr = errors.New("bad column")
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	_, err := NewTierLimitRepository(db).List(ctx)
	assertAppCode(t, err, types.ErrCodeInternalDB)
}

func TestTierLimitRepository_Upsert(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Exec", ctx, sqlContains("ON CONFLICT (tier)"), []any{"mid", 100}).
			Return(pgconn.NewCommandTag("INSERT 0 1"), nil)
		require.NoError(t, NewTierLimitRepository(db).Upsert(ctx, types.TierLimit{Tier: types.LifetimeTierMid, MaxSlots: 100}))
		db.AssertExpectations(t)
	})

	t.Run("rejects unknown tier", func(t *testing.T) {
		db := new(mockDBTX)
		err := NewTierLimitRepository(db).Upsert(ctx, types.TierLimit{Tier: "platinum", MaxSlots: 10})
		assertAppCode(t, err, types.ErrCodeValidationInvalidTier)
		db.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rejects negative", func(t *testing.T) {
		db := new(mockDBTX)
		err := NewTierLimitRepository(db).Upsert(ctx, types.TierLimit{Tier: types.LifetimeTierEarly, MaxSlots: -1})
		assertAppCode(t, err, types.ErrCodeValidationInvalidBody)
	})
}

func TestJobLockRepository_Acquire_CommandTag(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		tag  string
		want bool
	}{
		{"new lock", "INSERT 0 1", true},
		{"held by another worker", "INSERT 0 0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
				Return(pgconn.NewCommandTag(tt.tag), nil)

			acquired, err := NewJobLockRepository(db).Acquire(ctx, "sweep_reservations:2026-03-14T12:05", "worker-1", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, tt.want, acquired)
		})
	}
}

func TestJobLockRepository_Acquire_ExpiresAtComputedFromTTL(t *testing.T) {
	db := new(mockDBTX)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		if len(args) < 4 {
			return false
		}
		lockedAt, ok1 := args[2].(time.Time)
		expiresAt, ok2 := args[3].(time.Time)
		return ok1 && ok2 && expiresAt.Sub(lockedAt) == 5*time.Minute
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	acquired, err := NewJobLockRepository(db).Acquire(ctx, "k", "w", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
	db.AssertExpectations(t)
}

func TestJobLockRepository_DBErrors(t *testing.T) {
	db := new(mockDBTX)
	ctx := context.Background()
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))
	repo := NewJobLockRepository(db)

	acquired, err := repo.Acquire(ctx, "k", "w", time.Minute)
	assert.False(t, acquired)
	assertAppCode(t, err, types.ErrCodeInternalDB)

	assertAppCode(t, repo.Release(ctx, "k", "w"), types.ErrCodeInternalDB)
}
