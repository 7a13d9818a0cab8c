package core

import (
	"strconv"
	"strings"
	"time"
)

// ParseTimerDuration parses "Nd Nh Nm" style durations. Components may be
// given in any subset, with or without spaces ("1h30m", "2d 4h").
func ParseTimerDuration(value string) (time.Duration, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return 0, NewValidationError("duration is required")
	}

	var total time.Duration
	digits := ""
	seen := map[byte]bool{}
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c >= '0' && c <= '9':
			digits += string(c)
		case c == ' ' || c == '\t':
			if digits != "" {
				return 0, NewValidationError("invalid duration %q: missing unit after %s", value, digits)
			}
		case c == 'd' || c == 'h' || c == 'm':
			if digits == "" || seen[c] {
				return 0, NewValidationError("invalid duration %q", value)
			}
			amount, err := strconv.Atoi(digits)
			if err != nil {
				return 0, NewValidationError("invalid duration %q", value)
			}
			seen[c] = true
			digits = ""
			switch c {
			case 'd':
				total += time.Duration(amount) * 24 * time.Hour
			case 'h':
				total += time.Duration(amount) * time.Hour
			case 'm':
				total += time.Duration(amount) * time.Minute
			}
		default:
			return 0, NewValidationError("invalid duration %q: use Nd Nh Nm", value)
		}
	}
	if digits != "" {
		return 0, NewValidationError("invalid duration %q: missing unit after %s", value, digits)
	}
	if total <= 0 {
		return 0, NewValidationError("duration must be positive")
	}
	return total, nil
}

// ParseWindow accepts timer-style durations and Go durations ("90s").
func ParseWindow(value string) (time.Duration, error) {
	if d, err := ParseTimerDuration(value); err == nil {
		return d, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d <= 0 {
		return 0, NewValidationError("invalid window %q", value)
	}
	return d, nil
}

// FormatDuration renders a duration in the timer directive's vocabulary.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	d = d.Round(time.Minute)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute

	parts := []string{}
	if days > 0 {
		parts = append(parts, strconv.Itoa(int(days))+"d")
	}
	if hours > 0 {
		parts = append(parts, strconv.Itoa(int(hours))+"h")
	}
	if minutes > 0 {
		parts = append(parts, strconv.Itoa(int(minutes))+"m")
	}
	return strings.Join(parts, " ")
}

// NowMillis returns the current unix time in milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
