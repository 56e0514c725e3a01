package recur

import (
	"errors"
	"fmt"
)

// ErrSearchExhausted is returned when no occurrence exists within the search
// bound. The rule can never fire; callers should not retry.
var ErrSearchExhausted = errors.New("recur: no occurrence within search bound")

// ParseError describes a malformed schedule expression or field token.
type ParseError struct {
	Field  string // empty for expression-level errors
	Token  string
	Min    int
	Max    int
	Reason string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("recur: %q: %s", e.Token, e.Reason)
	}
	return fmt.Sprintf("recur: %s field %q: %s (allowed %d-%d)", e.Field, e.Token, e.Reason, e.Min, e.Max)
}

func fieldError(c FieldConstraint, token, reason string) *ParseError {
	return &ParseError{Field: c.Name, Token: token, Min: c.Min, Max: c.Max, Reason: reason}
}
