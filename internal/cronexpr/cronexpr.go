// Package cronexpr implements the five-field cron grammar used by Schedule
// dispatch matching. It is a purpose-built parser rather than a pulled-in
// library: the SLA and scheduler-dedupe tests depend on exact field
// semantics (dow wrap at 7, */step stepping from the field's own minimum,
// no seconds field) that a general-purpose cron library does not guarantee
// verbatim.
package cronexpr

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"fleetcore/internal/apperrors"
)

// field bounds, in (min, max) order, for minute hour day month dow.
var bounds = [5][2]int{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 6},  // day of week, 0=Sunday (7 normalizes to 0)
}

// Expr is a parsed five-field cron expression. Each field is represented as
// a set of matching values within its bounds.
type Expr struct {
	raw    string
	fields [5]map[int]bool
}

// Parse validates and compiles a five-field "minute hour day month dow"
// expression. It returns a wrapped apperrors.ErrInvalidCron on any syntax
// violation.
func Parse(expr string) (*Expr, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, fmt.Errorf("expected 5 fields, got %d: %w", len(parts), apperrors.ErrInvalidCron)
	}
	e := &Expr{raw: expr}
	for i, part := range parts {
		set, err := parseField(part, bounds[i][0], bounds[i][1])
		if err != nil {
			return nil, fmt.Errorf("field %d (%q): %w", i, part, err)
		}
		if i == 4 {
			// normalize 7 -> 0 (Sunday)
			if set[7] {
				delete(set, 7)
				set[0] = true
			}
		}
		e.fields[i] = set
	}
	return e, nil
}

// String returns the original expression text.
func (e *Expr) String() string {
	return e.raw
}

// Matches reports whether t (interpreted in its own location) matches the
// expression at minute granularity.
func (e *Expr) Matches(t time.Time) bool {
	return e.fields[0][t.Minute()] &&
		e.fields[1][t.Hour()] &&
		e.fields[2][t.Day()] &&
		e.fields[3][int(t.Month())] &&
		e.fields[4][int(t.Weekday())]
}

func parseField(part string, min, max int) (map[int]bool, error) {
	set := map[int]bool{}
	for _, atom := range strings.Split(part, ",") {
		if atom == "" {
			return nil, apperrors.ErrInvalidCron
		}
		body, step, err := splitStep(atom)
		if err != nil {
			return nil, err
		}
		lo, hi, err := parseRange(body, min, max)
		if err != nil {
			return nil, err
		}
		for v := lo; v <= hi; v += step {
			set[v] = true
		}
	}
	return set, nil
}

// splitStep separates "body/step" from a bare body. A bare "/step" (empty
// body) is rejected per spec.
func splitStep(atom string) (body string, step int, err error) {
	if idx := strings.IndexByte(atom, '/'); idx >= 0 {
		body = atom[:idx]
		stepStr := atom[idx+1:]
		if body == "" {
			return "", 0, fmt.Errorf("bare /step is not allowed: %w", apperrors.ErrInvalidCron)
		}
		step, err = strconv.Atoi(stepStr)
		if err != nil || step < 1 {
			return "", 0, fmt.Errorf("invalid step %q: %w", stepStr, apperrors.ErrInvalidCron)
		}
		return body, step, nil
	}
	return atom, 1, nil
}

// parseRange resolves "*", "N", or "N-M" against the field's bounds. "*"
// (and "*/step") range over [min, max], so a step applies from the field's
// own minimum, not zero.
func parseRange(body string, min, max int) (lo, hi int, err error) {
	if body == "*" {
		return min, max, nil
	}
	if idx := strings.IndexByte(body, '-'); idx >= 0 {
		loStr, hiStr := body[:idx], body[idx+1:]
		lo, err = strconv.Atoi(loStr)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid range start %q: %w", loStr, apperrors.ErrInvalidCron)
		}
		hi, err = strconv.Atoi(hiStr)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid range end %q: %w", hiStr, apperrors.ErrInvalidCron)
		}
		if lo > hi {
			return 0, 0, fmt.Errorf("range start exceeds end (%d > %d): %w", lo, hi, apperrors.ErrInvalidCron)
		}
		if err := checkBounds(lo, min, max); err != nil {
			return 0, 0, err
		}
		if err := checkBounds(hi, min, max); err != nil {
			return 0, 0, err
		}
		return lo, hi, nil
	}
	v, err := strconv.Atoi(body)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid value %q: %w", body, apperrors.ErrInvalidCron)
	}
	if err := checkBounds(v, min, max); err != nil {
		return 0, 0, err
	}
	return v, v, nil
}

func checkBounds(v, min, max int) error {
	// day-of-week field allows 7 as an alias for Sunday before normalization.
	if max == 6 && v == 7 {
		return nil
	}
	if v < min || v > max {
		return fmt.Errorf("value %d out of range [%d,%d]: %w", v, min, max, apperrors.ErrInvalidCron)
	}
	return nil
}
