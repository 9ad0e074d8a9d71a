package config

import (
	"fmt"
	"strings"

	"github.com/reaqtive/reaqtor-sub057/internal/logging"
)

// ValidationError is a single invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors reports every invalid setting at once.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return ""
	case 1:
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Validate returns all validation failures of c.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if c.Scheduler.Workers < 1 {
		errs = append(errs, ValidationError{
			Field:   "scheduler.workers",
			Value:   c.Scheduler.Workers,
			Message: "must be at least 1",
		})
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: "must be one of debug, info, warn, error",
		})
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Value:   c.Logging.Format,
			Message: "must be text or json",
		})
	}
	if c.Admin.PauseTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "admin.pause_timeout",
			Value:   c.Admin.PauseTimeout,
			Message: "must not be negative",
		})
	}
	if c.OTel.Endpoint != "" && c.OTel.Service == "" {
		errs = append(errs, ValidationError{
			Field:   "otel.service",
			Value:   c.OTel.Service,
			Message: "is required when otel.endpoint is set",
		})
	}
	return errs
}
