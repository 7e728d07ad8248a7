package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron validates a five field cron expression or a descriptor like
// @hourly or @every 5m. It returns the gap between the next two runs.
func ParseCron(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, errors.New("empty cron expression")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return 0, err
	}
	next := schedule.Next(time.Now())
	return schedule.Next(next).Sub(next), nil
}

var durationRx = regexp.MustCompile(`^(\d+d)?(\d+h)?(\d+m)?(\d+s)?(\d+ms)?$`)

// ParseDuration parses strings matching ^(\d+d)?(\d+h)?(\d+m)?(\d+s)?(\d+ms)?$
// used for timeouts and schedules in the config file. Empty string is
// rejected.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("empty duration")
	}
	m := durationRx.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration format %q", s)
	}
	var total time.Duration
	for _, seg := range m[1:] {
		if seg == "" {
			continue
		}
		unit := strings.TrimLeft(seg, "0123456789")
		val, err := strconv.ParseInt(strings.TrimSuffix(seg, unit), 10, 64)
		if err != nil {
			return 0, errors.New("invalid number in " + seg)
		}
		var d time.Duration
		switch unit {
		case "d":
			d = 24 * time.Hour
		case "h":
			d = time.Hour
		case "m":
			d = time.Minute
		case "s":
			d = time.Second
		case "ms":
			d = time.Millisecond
		default:
			return 0, errors.New("unknown unit in " + seg)
		}
		if val > int64(math.MaxInt64/d) {
			return 0, errors.New("duration overflow")
		}
		add := time.Duration(val) * d
		if total > time.Duration(math.MaxInt64)-add {
			return 0, errors.New("duration overflow")
		}
		total += add
	}
	return total, nil
}
