package helpers

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// CronParser accepts standard five-field expressions plus descriptors like @daily
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func ValidateCron(c string) error {
	if strings.HasPrefix(c, "@") {
		if _, err := CronParser.Parse(c); err != nil {
			return fmt.Errorf("invalid cron descriptor %q: %w", c, err)
		}
		return nil
	}
	if strings.Count(strings.TrimSpace(c), " ") < 4 {
		return fmt.Errorf("cron expression too short: %q", c)
	}
	if _, err := CronParser.Parse(c); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", c, err)
	}
	return nil
}
