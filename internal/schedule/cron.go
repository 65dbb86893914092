package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field crontab syntax (minute hour dom month
// dow), matching HyphaGroup-oubliette's internal/schedule/cron.go.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates and parses a crontab expression.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// ValidateCron reports whether expr parses as a valid crontab expression.
func ValidateCron(expr string) error {
	_, err := ParseCron(expr)
	return err
}

// dueCron reports whether a cron-scheduled task's next fire time after
// lastCheck falls at or before now, meaning the poll loop should run it.
func dueCron(expr string, lastCheck, now time.Time) bool {
	sched, err := ParseCron(expr)
	if err != nil {
		return false
	}
	return !sched.Next(lastCheck).After(now)
}
