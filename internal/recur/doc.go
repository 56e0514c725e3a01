// Package recur parses cron-like schedules into recurrence rules and searches
// for their next and previous occurrences.
//
// Supported syntax, 5 or 6 whitespace separated fields:
//
//	┌───────────── second (0-59, optional, defaults to 0)
//	│ ┌───────────── minute (0-59)
//	│ │ ┌───────────── hour (0-23)
//	│ │ │ ┌───────────── day of month (1-31)
//	│ │ │ │ ┌───────────── month (1-12 or jan-dec)
//	│ │ │ │ │ ┌───────────── weekday (0-6 or sun-sat, 7 is Sunday)
//	│ │ │ │ │ │
//	* * * * * *
//
// Each field takes *, values, ranges (1-5), lists (1,3,5) and steps (*/15,
// 1-30/5). The shorthands @yearly, @annually, @monthly, @weekly, @daily,
// @hourly and @minutely are accepted in any case.
//
// When both day of month and weekday are restricted, a day matches if either
// does. When only one is restricted, that field alone decides.
//
// Times are evaluated on the wall-clock fields of the time.Time passed in;
// results carry the same location.
package recur
