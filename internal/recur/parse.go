package recur

import (
	"strings"
)

// shorthands maps named schedules to their field form. @monthly keeps the
// historical meaning of "00:00 on January 1st".
var shorthands = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 1 *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@hourly":   "0 * * * *",
	"@minutely": "* * * * *",
}

// Parse parses a 5-field (minute hour day month weekday) or 6-field (second
// first) cron expression, or one of the @-shorthands, into a Rule.
func Parse(expr string) (*Rule, error) {
	source := strings.TrimSpace(expr)
	fields := source
	if expanded, ok := shorthands[strings.ToLower(source)]; ok {
		fields = expanded
	}

	tokens := strings.Fields(fields)
	switch len(tokens) {
	case 5:
		tokens = append([]string{"0"}, tokens...)
	case 6:
	default:
		return nil, &ParseError{Token: expr, Reason: "expected 5 or 6 fields"}
	}

	constraints := [...]FieldConstraint{SecondField, MinuteField, HourField, DayField, MonthField, WeekdayField}
	var sets [6]FieldValueSet
	for i, c := range constraints {
		set, err := ParseField(tokens[i], c)
		if err != nil {
			return nil, err
		}
		sets[i] = set
	}

	months := make(FieldValueSet, len(sets[4]))
	for i, m := range sets[4] {
		months[i] = m - 1
	}

	r, err := New(sets[0], sets[1], sets[2], sets[3], months, sets[5])
	if err != nil {
		return nil, err
	}
	r.expr = source
	return r, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// package-level rules built from constant expressions.
func MustParse(expr string) *Rule {
	r, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return r
}
