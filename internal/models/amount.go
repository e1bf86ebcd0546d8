package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ParseAmount parses an exchange decimal string. Empty and malformed values
// yield zero; exchanges routinely send "" for fields that do not apply.
func ParseAmount(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ParseFloat is ParseAmount converted to float64.
func ParseFloat(s string) float64 {
	return ParseAmount(s).InexactFloat64()
}

// FormatAmount renders a float the way exchanges accept it: no exponent,
// no trailing zeros.
func FormatAmount(v float64) string {
	return decimal.NewFromFloat(v).String()
}

// Number accepts both JSON numbers and numeric strings, which exchanges mix
// freely across endpoints.
type Number string

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*n = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = Number(s)
		return nil
	}
	*n = Number(data)
	return nil
}

// Decimal returns the parsed value.
func (n Number) Decimal() decimal.Decimal {
	return ParseAmount(string(n))
}

// Float returns the parsed value as float64.
func (n Number) Float() float64 {
	return n.Decimal().InexactFloat64()
}

// Int returns the integral part of the value.
func (n Number) Int() int64 {
	return n.Decimal().IntPart()
}

// UnixMillis converts epoch milliseconds to time, falling back to now when
// the exchange omitted the field.
func UnixMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

// UnixMicros converts epoch microseconds to time with the same fallback.
func UnixMicros(us int64) time.Time {
	if us <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMicro(us).UTC()
}
