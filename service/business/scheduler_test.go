package business

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSchedule(t *testing.T) {
	start := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	scheduler := NewScheduler(2, 1)

	tests := []struct {
		name    string
		price   string
		count   int
		amounts []string
	}{
		{name: "even split", price: "9999", count: 3, amounts: []string{"3333", "3333", "3333"}},
		{name: "remainder on last", price: "10000", count: 3, amounts: []string{"3333.33", "3333.33", "3333.34"}},
		{name: "cents", price: "100.01", count: 2, amounts: []string{"50", "50.01"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schedule, err := scheduler.GenerateSchedule(decimal.RequireFromString(tt.price), tt.count, start)
			require.NoError(t, err)
			require.Len(t, schedule, len(tt.amounts))

			for i, entry := range schedule {
				assert.Equal(t, i+1, entry.Sequence)
				assert.True(t, entry.Amount.Equal(decimal.RequireFromString(tt.amounts[i])), "entry %d is %s", i, entry.Amount)
				assert.Equal(t, start.AddDate(0, i+1, 0), entry.DueDate)
			}
			assert.True(t, ScheduleTotal(schedule).Equal(decimal.RequireFromString(tt.price)))
		})
	}
}

func TestGenerateScheduleRejectsInvalidInput(t *testing.T) {
	scheduler := NewScheduler(2, 1)
	now := time.Now()

	_, err := scheduler.GenerateSchedule(decimal.NewFromInt(100), 0, now)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = scheduler.GenerateSchedule(decimal.Zero, 3, now)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = scheduler.GenerateSchedule(decimal.RequireFromString("10.005"), 2, now)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// more slices than minor units
	_, err = scheduler.GenerateSchedule(decimal.RequireFromString("0.02"), 3, now)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestNextDueAndFullyPaid(t *testing.T) {
	schedule, err := NewScheduler(2, 1).GenerateSchedule(decimal.NewFromInt(9000), 3, time.Now())
	require.NoError(t, err)

	entry, outstanding, ok := NextDue(schedule, decimal.Zero)
	require.True(t, ok)
	assert.Equal(t, 1, entry.Sequence)
	assert.True(t, outstanding.Equal(decimal.NewFromInt(3000)))

	entry, outstanding, ok = NextDue(schedule, decimal.NewFromInt(4000))
	require.True(t, ok)
	assert.Equal(t, 2, entry.Sequence)
	assert.True(t, outstanding.Equal(decimal.NewFromInt(2000)))

	_, _, ok = NextDue(schedule, decimal.NewFromInt(9000))
	assert.False(t, ok)

	paid, overpaid := IsFullyPaid(schedule, decimal.NewFromInt(8999))
	assert.False(t, paid)
	assert.False(t, overpaid)

	paid, overpaid = IsFullyPaid(schedule, decimal.NewFromInt(9000))
	assert.True(t, paid)
	assert.False(t, overpaid)

	paid, overpaid = IsFullyPaid(schedule, decimal.NewFromInt(9500))
	assert.True(t, paid)
	assert.True(t, overpaid)
}
