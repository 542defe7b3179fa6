package business

import (
	"time"

	"github.com/antinvestor/service-escrow/service/models"
	"github.com/antinvestor/service-escrow/service/utility"
	"github.com/shopspring/decimal"
)

// ScheduleEntry is one due date of an installment plan.
type ScheduleEntry struct {
	Sequence int             `json:"sequence"`
	DueDate  time.Time       `json:"due_date"`
	Amount   decimal.Decimal `json:"amount"`
}

// Scheduler derives installment schedules. It holds no state.
type Scheduler struct {
	MinorUnits     int32
	IntervalMonths int
}

func NewScheduler(minorUnits int32, intervalMonths int) *Scheduler {
	if intervalMonths <= 0 {
		intervalMonths = 1
	}
	return &Scheduler{MinorUnits: minorUnits, IntervalMonths: intervalMonths}
}

// GenerateSchedule splits agreedPrice into count slices truncated to the
// currency's minor unit. The last slice takes the whole remainder so the
// amounts sum to agreedPrice exactly.
func (s *Scheduler) GenerateSchedule(agreedPrice decimal.Decimal, count int, start time.Time) ([]ScheduleEntry, error) {
	if count <= 0 {
		return nil, ErrInvalidRequest
	}
	if !agreedPrice.IsPositive() || !utility.IsWholeMinorUnits(agreedPrice, s.MinorUnits) {
		return nil, ErrInvalidAmount
	}

	slice := utility.ToMinorUnits(agreedPrice.Div(decimal.NewFromInt(int64(count))), s.MinorUnits)
	if !slice.IsPositive() {
		return nil, ErrInvalidAmount
	}

	schedule := make([]ScheduleEntry, count)
	allocated := decimal.Zero
	for i := 0; i < count; i++ {
		amount := slice
		if i == count-1 {
			amount = agreedPrice.Sub(allocated)
		}
		allocated = allocated.Add(amount)
		schedule[i] = ScheduleEntry{
			Sequence: i + 1,
			DueDate:  start.AddDate(0, (i+1)*s.IntervalMonths, 0),
			Amount:   amount,
		}
	}
	return schedule, nil
}

// ScheduleTotal sums the schedule amounts.
func ScheduleTotal(schedule []ScheduleEntry) decimal.Decimal {
	total := decimal.Zero
	for _, entry := range schedule {
		total = total.Add(entry.Amount)
	}
	return total
}

// IsFullyPaid reports whether totalCompleted covers the schedule. Paying
// more than the schedule still counts as fully paid; overpaid reports it so
// the caller can flag it for reconciliation.
func IsFullyPaid(schedule []ScheduleEntry, totalCompleted decimal.Decimal) (paid bool, overpaid bool) {
	total := ScheduleTotal(schedule)
	return totalCompleted.GreaterThanOrEqual(total), totalCompleted.GreaterThan(total)
}

// NextDue returns the first entry not yet covered by the cumulative paid
// amount, together with what is still owed on it. ok is false once the
// schedule is fully paid.
func NextDue(schedule []ScheduleEntry, totalCompleted decimal.Decimal) (entry ScheduleEntry, outstanding decimal.Decimal, ok bool) {
	cumulative := decimal.Zero
	for _, candidate := range schedule {
		cumulative = cumulative.Add(candidate.Amount)
		if totalCompleted.LessThan(cumulative) {
			return candidate, cumulative.Sub(totalCompleted), true
		}
	}
	return ScheduleEntry{}, decimal.Zero, false
}

func scheduleFromModels(rows []*models.Installment) []ScheduleEntry {
	schedule := make([]ScheduleEntry, 0, len(rows))
	for _, row := range rows {
		schedule = append(schedule, ScheduleEntry{Sequence: row.Sequence, DueDate: row.DueDate, Amount: row.Amount})
	}
	return schedule
}

func scheduleToModels(transactionID string, schedule []ScheduleEntry) []*models.Installment {
	rows := make([]*models.Installment, 0, len(schedule))
	for _, entry := range schedule {
		rows = append(rows, &models.Installment{
			TransactionID: transactionID,
			Sequence:      entry.Sequence,
			DueDate:       entry.DueDate,
			Amount:        entry.Amount,
		})
	}
	return rows
}
