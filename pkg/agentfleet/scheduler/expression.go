package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type bounds struct {
	name     string
	min, max int
}

var fieldBounds = [5]bounds{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

// field is the set of values one expression field accepts.
type field struct {
	values map[int]bool
	star   bool
}

func (f field) has(v int) bool { return f.star || f.values[v] }

// Expression is a parsed five-field cron expression. All five fields must
// match; day-of-month and day-of-week are not OR-ed together.
type Expression struct {
	raw    string
	fields [5]field
}

// Parse parses "minute hour day-of-month month day-of-week". Each field is
// a comma list of *, a value, a range a-b, or a step base/step whose base is
// *, a value or a range. Day-of-week 7 is Sunday.
func Parse(expr string) (*Expression, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, fmt.Errorf("cron expression %q: expected 5 fields, got %d", expr, len(parts))
	}
	e := &Expression{raw: strings.Join(parts, " ")}
	for i, p := range parts {
		f, err := parseField(p, fieldBounds[i])
		if err != nil {
			return nil, fmt.Errorf("cron expression %q: %w", expr, err)
		}
		e.fields[i] = f
	}
	if dow := e.fields[4]; dow.values[7] {
		dow.values[0] = true
		delete(dow.values, 7)
	}
	return e, nil
}

func parseField(s string, b bounds) (field, error) {
	f := field{values: make(map[int]bool)}
	for _, alt := range strings.Split(s, ",") {
		if alt == "" {
			return f, fmt.Errorf("%s: empty list element in %q", b.name, s)
		}
		base, stepStr, hasStep := strings.Cut(alt, "/")
		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepStr)
			if err != nil || n <= 0 {
				return f, fmt.Errorf("%s: invalid step %q", b.name, stepStr)
			}
			step = n
		}

		lo, hi := b.min, b.max
		switch {
		case base == "*":
			if !hasStep {
				f.star = true
			}
		case strings.Contains(base, "-"):
			a, z, _ := strings.Cut(base, "-")
			var err error
			if lo, err = parseValue(a, b); err != nil {
				return f, err
			}
			if hi, err = parseValue(z, b); err != nil {
				return f, err
			}
			if lo > hi {
				return f, fmt.Errorf("%s: range %q is reversed", b.name, base)
			}
		default:
			v, err := parseValue(base, b)
			if err != nil {
				return f, err
			}
			lo = v
			if !hasStep {
				hi = v
			}
		}
		for v := lo; v <= hi; v += step {
			f.values[v] = true
		}
	}
	return f, nil
}

func parseValue(s string, b bounds) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid value %q", b.name, s)
	}
	if v < b.min || v > b.max {
		return 0, fmt.Errorf("%s: value %d outside %d-%d", b.name, v, b.min, b.max)
	}
	return v, nil
}

// Matches reports whether t (at minute precision, in t's location) is
// selected by the expression.
func (e *Expression) Matches(t time.Time) bool {
	return e.fields[0].has(t.Minute()) &&
		e.fields[1].has(t.Hour()) &&
		e.fields[2].has(t.Day()) &&
		e.fields[3].has(int(t.Month())) &&
		e.fields[4].has(int(t.Weekday()))
}

// String returns the normalised expression.
func (e *Expression) String() string { return e.raw }

// standard renders the expression for robfig/cron's standard parser, with
// every restricted field spelled out as a list.
func (e *Expression) standard() string {
	out := make([]string, 5)
	for i, f := range e.fields {
		if f.star {
			out[i] = "*"
			continue
		}
		b := fieldBounds[i]
		var vals []string
		for v := b.min; v <= b.max; v++ {
			if f.values[v] {
				vals = append(vals, strconv.Itoa(v))
			}
		}
		out[i] = strings.Join(vals, ",")
	}
	return strings.Join(out, " ")
}

// maxNextCandidates bounds the walk in NextRun.
const maxNextCandidates = 5000

// ValidateExpression checks expr with both the matcher and robfig/cron.
func ValidateExpression(expr string) error {
	e, err := Parse(expr)
	if err != nil {
		return err
	}
	if _, err := cron.ParseStandard(e.standard()); err != nil {
		return fmt.Errorf("cron expression %q: %w", expr, err)
	}
	return nil
}

// NextRun returns the first matching minute strictly after from.
// robfig/cron proposes candidates; days where only one of day-of-month and
// day-of-week matches are skipped.
func NextRun(expr string, from time.Time) (time.Time, error) {
	e, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := cron.ParseStandard(e.standard())
	if err != nil {
		return time.Time{}, fmt.Errorf("cron expression %q: %w", expr, err)
	}
	t := from
	for i := 0; i < maxNextCandidates; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if e.Matches(t) {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cron expression %q never fires", expr)
}
