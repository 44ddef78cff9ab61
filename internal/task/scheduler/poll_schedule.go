package scheduler

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultPollSchedule is how often the reconciler looks for due rows.
const DefaultPollSchedule = "@every 5s"

const maxStartupSpread = 5 * time.Second

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// pollParser accepts both 5-field and 6-field (with seconds) cron specs.
var pollParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParsePollSchedule accepts:
//   - cron: "*/10 * * * * *", "@every 5s", "@hourly"
//   - Go duration: "5s", "1m30s"
//   - HH:MM interval: "00:01" (one minute)
func ParsePollSchedule(raw string) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		s = DefaultPollSchedule
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		sched, err := pollParser.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid poll schedule %q: %w", raw, err)
		}
		return sched, nil
	}
	every, err := parseInterval(s)
	if err != nil {
		return nil, fmt.Errorf("invalid poll schedule %q: %w", raw, err)
	}
	return cron.Every(every), nil
}

func parseInterval(v string) (time.Duration, error) {
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("minutes out of range")
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("use cron, HH:MM, or a duration like '5s'")
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

// spreadSchedule delays only the first run by a random offset so several
// instances restarted together do not poll in lockstep.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func withStartupSpread(base cron.Schedule, now time.Time, rng *rand.Rand) cron.Schedule {
	if rng == nil {
		return base
	}
	jitter := time.Duration(rng.Int63n(int64(maxStartupSpread)))
	return &spreadSchedule{base: base, first: base.Next(now).Add(jitter)}
}
