package schedule

import (
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// scheduleCore is the shared view of a routine or legacy schedule that the
// next-fire computation operates on.
type scheduleCore struct {
	interval  int
	offset    int
	cronExpr  string
	blackouts []Blackout
	oneOffs   []time.Time
	lastFire  time.Time
}

func (r *Routine) core() scheduleCore {
	return scheduleCore{
		interval:  r.IntervalMinutes,
		offset:    r.OffsetMinutes,
		cronExpr:  r.CronExpr,
		blackouts: r.Blackouts,
		oneOffs:   r.OneOffs,
		lastFire:  r.Stats.LastRunAt,
	}
}

func (s *AgentSchedule) core() scheduleCore {
	return scheduleCore{
		interval:  s.IntervalMinutes,
		offset:    s.OffsetMinutes,
		blackouts: s.Blackouts,
		oneOffs:   s.OneOffs,
		lastFire:  s.Stats.LastRunAt,
	}
}

// nextFire computes the next fire time for a schedule at or after now.
// One-off timestamps in [now, nextRecurring] win over the recurring fire;
// they are taken literally and not deferred by blackouts (explicit operator
// intent). Returns a zero time when the schedule can never fire.
func nextFire(c scheduleCore, now time.Time, loc *time.Location) (time.Time, PulseSource) {
	recurring := nextRecurring(c, now, loc)

	var oneOff time.Time
	for _, t := range c.oneOffs {
		if t.Before(now) {
			continue
		}
		if oneOff.IsZero() || t.Before(oneOff) {
			oneOff = t
		}
	}

	switch {
	case oneOff.IsZero() && recurring.IsZero():
		return time.Time{}, ""
	case oneOff.IsZero():
		return recurring, SourceRecurring
	case recurring.IsZero(), !oneOff.After(recurring):
		// Equal timestamps: one-off wins.
		return oneOff, SourceOneOff
	default:
		return recurring, SourceRecurring
	}
}

// nextRecurring finds the earliest aligned fire time, deferring out of
// blackout windows. A blackout covering the aligned slot moves the fire to
// the blackout's end, without re-alignment.
func nextRecurring(c scheduleCore, now time.Time, loc *time.Location) time.Time {
	t := nextAligned(c, now, loc)
	if t.IsZero() {
		return t
	}
	// A deferred fire may land inside a later blackout; bounded loop in
	// case of pathological overlapping windows.
	for i := 0; i < len(c.blackouts)+1; i++ {
		end, in := blackoutCovering(c.blackouts, t, loc)
		if !in {
			return t
		}
		t = end
	}
	return t
}

func nextAligned(c scheduleCore, now time.Time, loc *time.Location) time.Time {
	earliest := now
	if !c.lastFire.IsZero() {
		if refire := c.lastFire.Add(time.Duration(c.interval) * time.Minute); refire.After(earliest) {
			earliest = refire
		}
	}

	if c.cronExpr != "" {
		next, err := gronx.NextTickAfter(c.cronExpr, earliest, false)
		if err != nil {
			return time.Time{}
		}
		return next
	}

	if c.interval <= 0 {
		return time.Time{}
	}

	// Fire times sit on the minute grid anchored at the top of the hour
	// plus the offset: minuteOfHour(t) ≡ offset (mod interval mod 60).
	offset := c.offset
	if offset == OffsetUnset {
		offset = 0
	}
	mod := c.interval % 60

	t := earliest.In(loc).Truncate(time.Minute)
	if t.Before(earliest) {
		t = t.Add(time.Minute)
	}
	limit := c.interval + 61
	for i := 0; i <= limit; i++ {
		minute := t.Minute()
		aligned := false
		if mod == 0 {
			aligned = minute == offset%60
		} else {
			aligned = minute%mod == offset%mod
		}
		if aligned {
			return t
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}
}

// blackoutCovering reports whether t falls inside any blackout, and if so
// when that blackout ends.
func blackoutCovering(blackouts []Blackout, t time.Time, loc *time.Location) (time.Time, bool) {
	for _, b := range blackouts {
		if end, in := blackoutEnd(b, t, loc); in {
			return end, true
		}
	}
	return time.Time{}, false
}

// blackoutEnd reports whether t is inside b and the instant the window ends.
func blackoutEnd(b Blackout, t time.Time, loc *time.Location) (time.Time, bool) {
	if !b.Start.IsZero() || !b.End.IsZero() {
		if !t.Before(b.Start) && t.Before(b.End) {
			return b.End, true
		}
		return time.Time{}, false
	}

	startMin, ok1 := parseClock(b.StartTime)
	endMin, ok2 := parseClock(b.EndTime)
	if !ok1 || !ok2 {
		return time.Time{}, false
	}

	local := t.In(loc)
	m := local.Hour()*60 + local.Minute()

	var in bool
	if startMin <= endMin {
		in = m >= startMin && m < endMin
	} else {
		// Wraps midnight, e.g. 22:00–07:00.
		in = m >= startMin || m < endMin
	}
	if !in {
		return time.Time{}, false
	}

	end := time.Date(local.Year(), local.Month(), local.Day(), endMin/60, endMin%60, 0, 0, loc)
	if !end.After(local) {
		end = end.AddDate(0, 0, 1)
	}
	return end, true
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, bool) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, false
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, false
	}
	return hh*60 + mm, true
}
