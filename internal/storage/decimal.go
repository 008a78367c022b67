package storage

import (
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

// scanDecimal normalizes an amount column to decimal regardless of how the
// driver surfaces it. Large numerics can come back as strings on some paths;
// coercing here keeps arithmetic-on-strings bugs out of the engine.
func scanDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case nil:
		return decimal.Zero, nil
	case string:
		if x == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(x)
	case []byte:
		if len(x) == 0 {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(string(x))
	case int64:
		return decimal.NewFromInt(x), nil
	case float64:
		return decimal.NewFromFloat(x), nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported amount column type %T", v)
	}
}

// decCol is a sql.Scanner adapter around scanDecimal
type decCol struct {
	d *decimal.Decimal
}

var _ sql.Scanner = decCol{}

func (c decCol) Scan(v any) error {
	d, err := scanDecimal(v)
	if err != nil {
		return err
	}
	*c.d = d
	return nil
}

// dec wraps a destination decimal for row scanning
func dec(d *decimal.Decimal) decCol {
	return decCol{d: d}
}
