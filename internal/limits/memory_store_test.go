package limits

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func testDefaults() Defaults {
	return Defaults{MonthlyLimit: 10.0, DailyLimit: 2.0, HourlyRequests: 20}
}

func TestGetLimits_DefaultsWithoutOverride(t *testing.T) {
	s := NewMemoryStore(testDefaults())

	l, err := s.GetLimits(context.Background(), "new-user")
	require.NoError(t, err)

	assert.Equal(t, 10.0, l.MonthlyLimit)
	assert.Equal(t, 2.0, l.DailyLimit)
	assert.Equal(t, 20, l.HourlyRequests)
}

func TestSetLimits_PartialOverrideKeepsOtherFields(t *testing.T) {
	s := NewMemoryStore(testDefaults())
	ctx := context.Background()

	_, err := s.SetLimits(ctx, "u1", Override{MonthlyLimit: ptr(50.0)})
	require.NoError(t, err)

	l, err := s.GetLimits(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, l.MonthlyLimit)
	assert.Equal(t, 2.0, l.DailyLimit)
	assert.Equal(t, 20, l.HourlyRequests)

	// second partial update keeps the earlier override
	_, err = s.SetLimits(ctx, "u1", Override{HourlyRequests: ptr(5)})
	require.NoError(t, err)

	l, err = s.GetLimits(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, l.MonthlyLimit)
	assert.Equal(t, 5, l.HourlyRequests)
}

func TestSetLimits_NegativeRejectedWithoutMutation(t *testing.T) {
	s := NewMemoryStore(testDefaults())
	ctx := context.Background()

	_, err := s.SetLimits(ctx, "u1", Override{DailyLimit: ptr(-1.0)})
	assert.ErrorIs(t, err, ErrInvalidOverride)

	l, err := s.GetLimits(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, l.DailyLimit)
}

func TestSetLimits_PreservesCreatedAt(t *testing.T) {
	s := NewMemoryStore(testDefaults())
	ctx := context.Background()

	first, err := s.SetLimits(ctx, "u1", Override{MonthlyLimit: ptr(30.0)})
	require.NoError(t, err)

	second, err := s.SetLimits(ctx, "u1", Override{MonthlyLimit: ptr(40.0)})
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.False(t, second.UpdatedAt.Before(first.UpdatedAt))
}
