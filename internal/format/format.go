// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package format holds the small parsing helpers used when remote rows are
// ingested: locale-tolerant numbers, loosely formatted dates and canonical
// primary-key strings.
package format

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the date-only layout used for day-bucketed rows.
const DateLayout = "2006-01-02"

// ParseNumber parses numbers written with either decimal convention:
// "1.234,56", "1,234.56", "12,5", "12.5" and " 7 " are all accepted.
// When only one kind of separator appears it is treated as the decimal
// separator unless it occurs more than once or groups exactly three digits
// after a leading group (e.g. "1.234" is one thousand two hundred thirty-four).
func ParseNumber(s string) (float64, error) {
	raw := strings.TrimSpace(s)
	raw = strings.ReplaceAll(raw, " ", "")
	raw = strings.ReplaceAll(raw, "\u00a0", "")
	if raw == "" {
		return 0, fmt.Errorf("empty number")
	}

	lastDot := strings.LastIndex(raw, ".")
	lastComma := strings.LastIndex(raw, ",")

	var normalized string
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			// 1.234,56
			normalized = strings.ReplaceAll(raw, ".", "")
			normalized = strings.Replace(normalized, ",", ".", 1)
		} else {
			// 1,234.56
			normalized = strings.ReplaceAll(raw, ",", "")
		}
	case lastComma >= 0:
		normalized = resolveSingleSeparator(raw, ",")
	case lastDot >= 0:
		normalized = resolveSingleSeparator(raw, ".")
	default:
		normalized = raw
	}

	v, err := strconv.ParseFloat(normalized, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return v, nil
}

func resolveSingleSeparator(raw, sep string) string {
	parts := strings.Split(raw, sep)
	if len(parts) > 2 {
		return strings.Join(parts, "")
	}
	head := strings.TrimLeft(parts[0], "+-")
	if len(parts[1]) == 3 && len(head) >= 1 && len(head) <= 3 && head != "0" {
		return strings.Join(parts, "")
	}
	return parts[0] + "." + parts[1]
}

// ToFloat converts decoded JSON scalars and numeric strings to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := ParseNumber(n)
		return f, err == nil
	default:
		return 0, false
	}
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
	DateLayout,
	"02/01/2006 15:04",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
}

// ParseDate accepts ISO timestamps, Postgres timestamptz text and the
// day-first layouts used by Spanish-locale forms.
func ParseDate(s string) (time.Time, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// DateOnly renders t as a calendar day in its own location.
func DateOnly(t time.Time) string {
	return t.Format(DateLayout)
}

// SameDay reports whether a stored date value (string or time.Time) falls on
// the given calendar day. Values carrying a time of day are compared by their
// date prefix, which is how the remote store renders a DATE column.
func SameDay(v any, day string) bool {
	switch d := v.(type) {
	case string:
		if len(d) >= len(DateLayout) && d[:len(DateLayout)] == day {
			return true
		}
		t, err := ParseDate(d)
		if err != nil {
			return false
		}
		return DateOnly(t) == day
	case time.Time:
		return DateOnly(d) == day
	default:
		return false
	}
}

// KeyString canonicalises a primary-key value so that 7, 7.0, int64(7) and
// "7" address the same row.
func KeyString(v any) (string, error) {
	switch k := v.(type) {
	case nil:
		return "", fmt.Errorf("nil key")
	case string:
		if k == "" {
			return "", fmt.Errorf("empty key")
		}
		return k, nil
	case float64:
		if math.Trunc(k) == k && !math.IsInf(k, 0) {
			return strconv.FormatInt(int64(k), 10), nil
		}
		return strconv.FormatFloat(k, 'f', -1, 64), nil
	case float32:
		return KeyString(float64(k))
	case int:
		return strconv.Itoa(k), nil
	case int32:
		return strconv.FormatInt(int64(k), 10), nil
	case int64:
		return strconv.FormatInt(k, 10), nil
	case json.Number:
		return k.String(), nil
	case fmt.Stringer:
		return k.String(), nil
	default:
		return "", fmt.Errorf("unsupported key type %T", v)
	}
}
