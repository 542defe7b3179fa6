package utility

import (
	"math"

	"github.com/shopspring/decimal"
	"google.golang.org/genproto/googleapis/type/money"
)

const NanoSize = 1000000000

// decimalPrecision matches the NUMERIC scale money is stored with.
const decimalPrecision = 9

func maxDecimalValue() decimal.Decimal {
	return decimal.NewFromInt(math.MaxInt64).Add(decimal.New(999999999, -9))
}

// ToMoney splits an amount into google.type.Money units and nanos.
func ToMoney(currency string, amount decimal.Decimal) *money.Money {
	amount = CleanDecimal(amount)

	units := amount.IntPart()
	nanos := amount.Sub(decimal.NewFromInt(units)).Mul(decimal.NewFromInt(NanoSize)).IntPart()

	return &money.Money{CurrencyCode: currency, Units: units, Nanos: int32(nanos)}
}

func FromMoney(m *money.Money) decimal.Decimal {
	units := decimal.NewFromInt(m.GetUnits())
	nanos := decimal.NewFromInt(int64(m.GetNanos())).Div(decimal.NewFromInt(NanoSize))
	return units.Add(nanos)
}

// CleanDecimal truncates to the storage scale and clamps to the storable
// range. It is only for wire conversion; ledger arithmetic never clamps.
func CleanDecimal(d decimal.Decimal) decimal.Decimal {
	rounded := d.Truncate(decimalPrecision)

	minValue := maxDecimalValue().Neg()
	if rounded.GreaterThan(maxDecimalValue()) {
		return maxDecimalValue()
	} else if rounded.LessThan(minValue) {
		return minValue
	}
	return rounded
}

// ToMinorUnits truncates an amount to the currency's minor unit.
func ToMinorUnits(d decimal.Decimal, minorUnits int32) decimal.Decimal {
	return d.Truncate(minorUnits)
}

// IsWholeMinorUnits reports whether the amount has no digits below the
// currency's minor unit.
func IsWholeMinorUnits(d decimal.Decimal, minorUnits int32) bool {
	return d.Equal(d.Truncate(minorUnits))
}

// FormatAmount renders an amount the way gateways expect it, fixed to the
// currency's minor unit.
func FormatAmount(d decimal.Decimal, minorUnits int32) string {
	return d.StringFixed(minorUnits)
}
