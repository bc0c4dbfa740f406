package planning

import (
	"regexp"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

var relativeOffset = regexp.MustCompile(`^\+(\d+)([smh])?$`)

// normalizeSchedule resolves a schedule's execute_at_raw field into an
// absolute time.Time: a cron expression passes through after a parse
// check, an already-absolute instant passes through unchanged, and a
// relative offset ("+15m", "+2h", "+30s", or a bare integer treated as
// minutes) is converted to time.Now().Add(delta) once, here, at
// intent-detection time.
func normalizeSchedule(intent *Intent) (*Schedule, error) {
	if intent == nil || !intent.HasSchedule || intent.Schedule == nil {
		return nil, nil
	}
	s := intent.Schedule

	if s.Cron != "" {
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return nil, err
		}
		return s, nil
	}

	if s.ExecuteAt == nil && s.ExecuteAtRaw != "" {
		if m := relativeOffset.FindStringSubmatch(s.ExecuteAtRaw); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil {
				var delta time.Duration
				switch m[2] {
				case "s":
					delta = time.Duration(n) * time.Second
				case "h":
					delta = time.Duration(n) * time.Hour
				default: // "m" or bare integer, both treated as minutes
					delta = time.Duration(n) * time.Minute
				}
				at := time.Now().Add(delta)
				s.ExecuteAt = &at
			}
		}
	}
	return s, nil
}
