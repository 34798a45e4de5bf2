package feed

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
)

var (
	// cronPattern matches cron expressions (5 or 6 fields)
	cronPattern = regexp.MustCompile(`^(\S+\s+){4,5}\S+$`)

	// intervals that divide evenly into a minute, an hour and a day
	validSecondIntervals = map[int]bool{1: true, 2: true, 3: true, 4: true, 5: true, 6: true, 10: true, 12: true, 15: true, 20: true, 30: true}
	validMinuteIntervals = map[int]bool{1: true, 2: true, 3: true, 4: true, 5: true, 6: true, 10: true, 12: true, 15: true, 20: true, 30: true}
	validHourIntervals   = map[int]bool{1: true, 2: true, 3: true, 4: true, 6: true, 8: true, 12: true, 24: true}
)

// defaultCronInterval is assumed for cron schedules whose period cannot be derived
const defaultCronInterval = 5 * time.Minute

func isCronExpression(s string) bool {
	return cronPattern.MatchString(s)
}

// durationToCron converts a duration string to a clock-aligned cron expression
//
//	"5m"  -> "*/5 * * * *"
//	"1h"  -> "0 */1 * * *"
//	"30s" -> "*/30 * * * * *"
func durationToCron(durationStr string) (string, error) {
	duration, err := time.ParseDuration(durationStr)
	if err != nil {
		return "", fmt.Errorf("invalid duration format: %w", err)
	}

	switch {
	case duration < time.Minute:
		seconds := int(duration.Seconds())
		if seconds == 0 || !validSecondIntervals[seconds] {
			return "", fmt.Errorf("second intervals must divide evenly into 60 (got %s)", durationStr)
		}
		return fmt.Sprintf("*/%d * * * * *", seconds), nil

	case duration < time.Hour:
		if duration%time.Minute != 0 {
			return "", fmt.Errorf("duration must be whole seconds, minutes, or hours (got %s)", durationStr)
		}
		minutes := int(duration.Minutes())
		if !validMinuteIntervals[minutes] {
			return "", fmt.Errorf("minute intervals must divide evenly into 60 (got %s)", durationStr)
		}
		return fmt.Sprintf("*/%d * * * *", minutes), nil

	case duration%time.Hour == 0:
		hours := int(duration.Hours())
		if !validHourIntervals[hours] {
			return "", fmt.Errorf("hour intervals must divide evenly into 24 (got %s)", durationStr)
		}
		return fmt.Sprintf("0 */%d * * *", hours), nil

	default:
		return "", fmt.Errorf("duration must be whole seconds, minutes, or hours (got %s)", durationStr)
	}
}

// ValidateInterval validates a refresh interval given as a duration or a cron expression
func ValidateInterval(interval string) error {
	if interval == "" {
		return errors.New("refresh interval is empty")
	}
	if isCronExpression(interval) {
		return nil
	}
	_, err := durationToCron(interval)
	return err
}

// cronDefinition returns the gocron job definition for interval
func cronDefinition(interval string) (gocron.JobDefinition, string, error) {
	if isCronExpression(interval) {
		return gocron.CronJob(interval, true), interval, nil
	}
	expr, err := durationToCron(interval)
	if err != nil {
		return nil, "", fmt.Errorf("invalid interval: %w", err)
	}
	return gocron.CronJob(expr, strings.Count(expr, " ") == 5), expr, nil
}

// expectedInterval is the period between two refreshes, used for staleness checks
func expectedInterval(interval string) time.Duration {
	if d, err := time.ParseDuration(interval); err == nil {
		return d
	}
	return defaultCronInterval
}

// DescribeSchedule provides a human-readable description of the schedule
func DescribeSchedule(interval string, timezone *time.Location) string {
	if timezone == nil {
		timezone = time.UTC
	}
	if isCronExpression(interval) {
		return fmt.Sprintf("cron: %s (%s)", interval, timezone)
	}

	duration, err := time.ParseDuration(interval)
	if err != nil {
		return fmt.Sprintf("invalid: %s", interval)
	}
	expr, err := durationToCron(interval)
	if err != nil {
		return fmt.Sprintf("duration: %s (non-aligned)", interval)
	}
	return fmt.Sprintf("every %s (aligned to clock, cron: %s, %s)", duration, expr, timezone)
}

// gocronLogger adapts slog.Logger to gocron.Logger
type gocronLogger struct {
	logger *slog.Logger
}

func (a gocronLogger) Debug(msg string, args ...any) { a.logger.Debug(msg, args...) }
func (a gocronLogger) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a gocronLogger) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a gocronLogger) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
