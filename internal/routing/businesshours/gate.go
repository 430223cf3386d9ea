// Package businesshours decides when offer countdowns are allowed to run.
//
// The window is a half-open interval [open, close) on each business day in the
// configured location. Time outside the window never counts toward an offer's budget.
package businesshours

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Gate is a pure calendar predicate. It is safe for concurrent use.
type Gate struct {
	loc      *time.Location
	openMin  int
	closeMin int
	days     [7]bool
}

// Config describes a business calendar.
type Config struct {
	Location *time.Location
	Open     string // "HH:MM"
	Close    string // "HH:MM"
	Days     []time.Weekday
}

// Default returns the Monday–Friday 09:30–19:30 calendar in loc.
func Default(loc *time.Location) *Gate {
	g, _ := New(Config{
		Location: loc,
		Open:     "09:30",
		Close:    "19:30",
		Days:     []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
	})
	return g
}

// New validates cfg and builds a Gate.
func New(cfg Config) (*Gate, error) {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	openMin, err := parseClock(cfg.Open)
	if err != nil {
		return nil, fmt.Errorf("business open: %w", err)
	}
	closeMin, err := parseClock(cfg.Close)
	if err != nil {
		return nil, fmt.Errorf("business close: %w", err)
	}
	if closeMin <= openMin {
		return nil, fmt.Errorf("business close %s must be after open %s", cfg.Close, cfg.Open)
	}
	if len(cfg.Days) == 0 {
		return nil, fmt.Errorf("at least one business day is required")
	}

	g := &Gate{loc: loc, openMin: openMin, closeMin: closeMin}
	for _, d := range cfg.Days {
		g.days[d] = true
	}
	return g, nil
}

// ParseDays converts names like "mon", "Tuesday" into weekdays.
func ParseDays(names []string) ([]time.Weekday, error) {
	out := make([]time.Weekday, 0, len(names))
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		if len(key) < 3 {
			return nil, fmt.Errorf("unknown weekday %q", name)
		}
		found := false
		for d := time.Sunday; d <= time.Saturday; d++ {
			if strings.HasPrefix(strings.ToLower(d.String()), key[:3]) {
				out = append(out, d)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown weekday %q", name)
		}
	}
	return out, nil
}

func parseClock(value string) (int, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time of day %q", value)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("invalid hour in %q", value)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", value)
	}
	total := h*60 + m
	if total > 24*60 {
		return 0, fmt.Errorf("invalid time of day %q", value)
	}
	return total, nil
}

// Location returns the calendar's time zone.
func (g *Gate) Location() *time.Location { return g.loc }

func (g *Gate) at(day time.Time, minutes int) time.Time {
	y, mo, d := day.Date()
	return time.Date(y, mo, d, minutes/60, minutes%60, 0, 0, g.loc)
}

// IsOpen reports whether countdowns run at t.
func (g *Gate) IsOpen(t time.Time) bool {
	local := t.In(g.loc)
	if !g.days[local.Weekday()] {
		return false
	}
	open := g.at(local, g.openMin)
	closeAt := g.at(local, g.closeMin)
	return !local.Before(open) && local.Before(closeAt)
}

// WindowClose returns the end of the window containing t.
// The result is only meaningful when IsOpen(t) is true.
func (g *Gate) WindowClose(t time.Time) time.Time {
	return g.at(t.In(g.loc), g.closeMin)
}

// NextOpen returns t itself when the window is open, otherwise the start of the next window.
func (g *Gate) NextOpen(t time.Time) time.Time {
	if g.IsOpen(t) {
		return t
	}
	local := t.In(g.loc)
	for i := 0; i <= 7; i++ {
		day := local.AddDate(0, 0, i)
		if !g.days[day.Weekday()] {
			continue
		}
		open := g.at(day, g.openMin)
		if !open.Before(local) {
			return open
		}
	}
	// Unreachable with at least one business day configured.
	return local.AddDate(0, 0, 7)
}

// Elapsed returns how much business time lies in [from, to).
func (g *Gate) Elapsed(from, to time.Time) time.Duration {
	var total time.Duration
	cursor := from
	for cursor.Before(to) {
		start := g.NextOpen(cursor)
		if !start.Before(to) {
			break
		}
		end := g.WindowClose(start)
		if end.After(to) {
			end = to
		}
		total += end.Sub(start)
		cursor = end
	}
	return total
}

// Deadline returns the instant at which budget of business time, starting at
// from, is used up.
func (g *Gate) Deadline(from time.Time, budget time.Duration) time.Time {
	cursor := from
	remaining := budget
	for {
		start := g.NextOpen(cursor)
		end := g.WindowClose(start)
		available := end.Sub(start)
		if remaining <= available {
			return start.Add(remaining)
		}
		remaining -= available
		cursor = end
	}
}
