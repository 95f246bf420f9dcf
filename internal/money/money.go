// Package money handles whole-unit currency amounts. The platform currency
// has no fractional unit, so amounts are plain non-negative int64 values.
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidAmount = errors.New("invalid amount")

// ParseAmount accepts a whole-unit amount, with optional thousands
// separators ("30,000" and "30000" both parse to 30000). Separators must
// sit on proper group boundaries; "3,0" and "1,00,0" are rejected. Signs
// and fractional parts are rejected: callers decide direction, the ledger
// decides sign.
func ParseAmount(input string) (int64, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return 0, ErrInvalidAmount
	}
	if strings.Contains(trimmed, ",") && !wellGrouped(trimmed) {
		return 0, ErrInvalidAmount
	}
	cleaned := strings.ReplaceAll(trimmed, ",", "")
	if !isDigits(cleaned) {
		return 0, ErrInvalidAmount
	}
	value, err := strconv.ParseInt(cleaned, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	return value, nil
}

// FormatAmount renders an amount with thousands separators for display.
func FormatAmount(value int64) string {
	negative := value < 0
	if negative {
		value = -value
	}
	digits := strconv.FormatInt(value, 10)
	var groups []string
	for len(digits) > 3 {
		groups = append([]string{digits[len(digits)-3:]}, groups...)
		digits = digits[:len(digits)-3]
	}
	groups = append([]string{digits}, groups...)
	formatted := strings.Join(groups, ",")
	if negative {
		return "-" + formatted
	}
	return formatted
}

func ValueToInt64(value interface{}) int64 {
	switch v := value.(type) {
	case nil:
		return 0
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case uint64:
		return int64(v)
	case uint32:
		return int64(v)
	case []byte:
		parsed, _ := strconv.ParseInt(string(v), 10, 64)
		return parsed
	case string:
		parsed, _ := strconv.ParseInt(v, 10, 64)
		return parsed
	default:
		parsed, _ := strconv.ParseInt(fmt.Sprint(v), 10, 64)
		return parsed
	}
}

// wellGrouped accepts standard grouping only: a leading group of one to
// three digits, then groups of exactly three.
func wellGrouped(value string) bool {
	groups := strings.Split(value, ",")
	for i, group := range groups {
		if i == 0 {
			if len(group) < 1 || len(group) > 3 {
				return false
			}
			continue
		}
		if len(group) != 3 {
			return false
		}
	}
	return true
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(value) > 0
}
