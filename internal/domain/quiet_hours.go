package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var weekdayTokens = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// QuietHours is per-channel local-time window suppressing non-critical notifications.
// Params: enable flag, [start,end) clock times, IANA timezone, and optional weekday filter.
// Returns: window evaluated by dispatcher before each delivery.
type QuietHours struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Start    string   `json:"start" yaml:"start"`
	End      string   `json:"end" yaml:"end"`
	Timezone string   `json:"timezone,omitempty" yaml:"timezone"`
	Days     []string `json:"days,omitempty" yaml:"days"`
}

// Validate checks clock format, timezone, and weekday tokens.
// Params: none.
// Returns: validation error for malformed window.
func (q QuietHours) Validate() error {
	start, err := parseClockMinutes(q.Start)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	end, err := parseClockMinutes(q.End)
	if err != nil {
		return fmt.Errorf("end: %w", err)
	}
	if start == end {
		return errors.New("start and end must differ")
	}
	if start == 24*60 {
		return errors.New("start must be before 24:00")
	}
	if _, err := q.location(); err != nil {
		return err
	}
	for _, day := range q.Days {
		if _, ok := weekdayTokens[strings.ToLower(strings.TrimSpace(day))]; !ok {
			return fmt.Errorf("unsupported day %q", day)
		}
	}
	return nil
}

// ActiveAt reports whether at falls inside the window in channel timezone.
// Overnight windows (end <= start) belong to the weekday they start on.
// Params: instant to test.
// Returns: true when enabled and inside [start,end).
func (q *QuietHours) ActiveAt(at time.Time) (bool, error) {
	if q == nil || !q.Enabled {
		return false, nil
	}
	start, err := parseClockMinutes(q.Start)
	if err != nil {
		return false, fmt.Errorf("quiet hours start: %w", err)
	}
	end, err := parseClockMinutes(q.End)
	if err != nil {
		return false, fmt.Errorf("quiet hours end: %w", err)
	}
	location, err := q.location()
	if err != nil {
		return false, err
	}
	local := at.In(location)
	minute := local.Hour()*60 + local.Minute()
	today := local.Weekday()
	yesterday := (today + 6) % 7

	if start < end {
		return minute >= start && minute < end && q.dayAllowed(today), nil
	}
	if minute >= start && q.dayAllowed(today) {
		return true, nil
	}
	return minute < end && q.dayAllowed(yesterday), nil
}

// dayAllowed reports whether the weekday is covered by the day filter.
func (q *QuietHours) dayAllowed(day time.Weekday) bool {
	if len(q.Days) == 0 {
		return true
	}
	for _, token := range q.Days {
		if weekday, ok := weekdayTokens[strings.ToLower(strings.TrimSpace(token))]; ok && weekday == day {
			return true
		}
	}
	return false
}

func (q QuietHours) location() (*time.Location, error) {
	name := strings.TrimSpace(q.Timezone)
	if name == "" {
		return time.UTC, nil
	}
	location, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", name, err)
	}
	return location, nil
}

// parseClockMinutes converts HH:MM (00:00..24:00) into minutes since midnight.
func parseClockMinutes(value string) (int, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("time %q must be HH:MM", value)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("time %q has invalid hours", value)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("time %q has invalid minutes", value)
	}
	if hours == 24 && minutes == 0 {
		return 24 * 60, nil
	}
	if hours < 0 || hours > 23 || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("time %q is out of range", value)
	}
	return hours*60 + minutes, nil
}
