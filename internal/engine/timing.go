package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func parseClock(hhmm string) (int, int, error) {
	h, m, ok := strings.Cut(hhmm, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time of day %q", hhmm)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", hhmm)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", hhmm)
	}
	return hour, minute, nil
}

// nextOccurrence returns the first instant on or after now matching the cron
// expression in loc.
func nextOccurrence(expr string, now time.Time, loc *time.Location) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	// Next is strictly after its argument
	next := schedule.Next(now.In(loc).Add(-time.Nanosecond))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("schedule %q never fires", expr)
	}
	return next.UTC(), nil
}

func unitDuration(unit string) (time.Duration, error) {
	switch unit {
	case "seconds":
		return time.Second, nil
	case "minutes":
		return time.Minute, nil
	case "hours":
		return time.Hour, nil
	case "days":
		return 24 * time.Hour, nil
	case "weeks":
		return 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unsupported delay unit %q", unit)
}

// ResumeAt computes when a delay step releases the enrollment.
func ResumeAt(cfg *domain.DelayConfig, now time.Time, loc *time.Location) (time.Time, error) {
	switch cfg.DelayType {
	case domain.DelayFixed:
		unit, err := unitDuration(cfg.DelayUnit)
		if err != nil {
			return time.Time{}, err
		}
		if cfg.DelayValue < 0 {
			return time.Time{}, fmt.Errorf("negative delay value %d", cfg.DelayValue)
		}
		return now.Add(time.Duration(cfg.DelayValue) * unit), nil
	case domain.DelayUntilTime:
		hour, minute, err := parseClock(cfg.UntilTime)
		if err != nil {
			return time.Time{}, err
		}
		return nextOccurrence(fmt.Sprintf("%d %d * * *", minute, hour), now, loc)
	case domain.DelayUntilDay:
		day, ok := weekdays[strings.ToLower(cfg.UntilDay)]
		if !ok {
			return time.Time{}, fmt.Errorf("invalid weekday %q", cfg.UntilDay)
		}
		at := cfg.UntilTime
		if at == "" {
			at = "00:00"
		}
		hour, minute, err := parseClock(at)
		if err != nil {
			return time.Time{}, err
		}
		return nextOccurrence(fmt.Sprintf("%d %d * * %d", minute, hour, int(day)), now, loc)
	}
	return time.Time{}, fmt.Errorf("unsupported delay type %q", cfg.DelayType)
}

// SendingWindow decides whether side effects may run now. A window whose end
// is before its start spans midnight.
type SendingWindow struct {
	start, end int // minutes after midnight
	days       map[time.Weekday]bool
	loc        *time.Location
	startExpr  string
}

func NewSendingWindow(w *domain.SendingWindow, fallback *time.Location) (*SendingWindow, error) {
	sh, sm, err := parseClock(w.StartTime)
	if err != nil {
		return nil, err
	}
	eh, em, err := parseClock(w.EndTime)
	if err != nil {
		return nil, err
	}
	loc := fallback
	if w.Timezone != "" {
		if loc, err = time.LoadLocation(w.Timezone); err != nil {
			return nil, fmt.Errorf("sending window timezone: %w", err)
		}
	}
	sw := &SendingWindow{start: sh*60 + sm, end: eh*60 + em, loc: loc}
	dow := "*"
	if len(w.Days) > 0 {
		sw.days = make(map[time.Weekday]bool, len(w.Days))
		var nums []string
		for _, d := range w.Days {
			wd, ok := weekdays[strings.ToLower(d)]
			if !ok {
				return nil, fmt.Errorf("invalid weekday %q", d)
			}
			sw.days[wd] = true
			nums = append(nums, strconv.Itoa(int(wd)))
		}
		dow = strings.Join(nums, ",")
	}
	sw.startExpr = fmt.Sprintf("%d %d * * %s", sm, sh, dow)
	return sw, nil
}

func (w *SendingWindow) dayAllowed(d time.Weekday) bool {
	return w.days == nil || w.days[d]
}

func (w *SendingWindow) Contains(now time.Time) bool {
	local := now.In(w.loc)
	minute := local.Hour()*60 + local.Minute()
	if w.start == w.end {
		return w.dayAllowed(local.Weekday())
	}
	if w.start < w.end {
		return minute >= w.start && minute < w.end && w.dayAllowed(local.Weekday())
	}
	// overnight: the part after midnight belongs to the previous day's window
	if minute >= w.start {
		return w.dayAllowed(local.Weekday())
	}
	if minute < w.end {
		return w.dayAllowed(local.AddDate(0, 0, -1).Weekday())
	}
	return false
}

// NextOpening returns now if the window is open, else when it next opens.
func (w *SendingWindow) NextOpening(now time.Time) (time.Time, error) {
	if w.Contains(now) {
		return now, nil
	}
	return nextOccurrence(w.startExpr, now, w.loc)
}
