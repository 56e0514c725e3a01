package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/patrickspencer/cadence/internal/recur"
)

// robfigParser accepts the robfig/cron dialect: optional seconds, five
// standard fields and descriptors like @hourly.
var robfigParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// RobfigSchedule adapts a robfig/cron schedule. robfig's zero time for "no
// occurrence" becomes recur.ErrSearchExhausted.
type RobfigSchedule struct {
	Expr     string
	Schedule cron.Schedule
}

// ParseRobfig parses expr with robfig/cron.
func ParseRobfig(expr string) (RobfigSchedule, error) {
	s, err := robfigParser.Parse(expr)
	if err != nil {
		return RobfigSchedule{}, fmt.Errorf("scheduler: robfig parse %q: %w", expr, err)
	}
	return RobfigSchedule{Expr: expr, Schedule: s}, nil
}

func (r RobfigSchedule) Next(t time.Time) (time.Time, error) {
	next := r.Schedule.Next(t)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: robfig schedule %q after %s", recur.ErrSearchExhausted, r.Expr, t.Format(time.RFC3339))
	}
	return next, nil
}

func (r RobfigSchedule) String() string { return r.Expr }
