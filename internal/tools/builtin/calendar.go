package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/halcyon-health/halcyon/internal/tools"
	"github.com/halcyon-health/halcyon/pkg/types"
)

// CalendarBackend persists calendar events. Implementations talk to the
// practice's scheduling system.
type CalendarBackend interface {
	CreateEvent(ctx context.Context, ev CalendarEvent) error
}

// CalendarEvent is one scheduled entry.
type CalendarEvent struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes"`
	Attendees       []string  `json:"attendees,omitempty"`
}

type calendarArgs struct {
	Title           string   `json:"title" jsonschema:"required,description=Event title"`
	Start           string   `json:"start" jsonschema:"required,description=Start time in RFC 3339 format"`
	DurationMinutes int      `json:"duration_minutes,omitempty" jsonschema:"description=Duration in minutes,default=30,minimum=5,maximum=480"`
	Attendees       []string `json:"attendees,omitempty" jsonschema:"description=Attendee names or addresses"`
}

// Calendar creates calendar events. Titles routinely carry patient names, so
// the tool is PHI-capable; every creation goes through a user confirmation
// round-trip because it has side effects outside the system.
type Calendar struct {
	backend CalendarBackend
	now     func() time.Time
}

// NewCalendar builds the create_calendar_event tool over backend.
func NewCalendar(backend CalendarBackend) *Calendar {
	return &Calendar{backend: backend, now: time.Now}
}

// Definition implements [tools.Handler].
func (c *Calendar) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:                 "create_calendar_event",
		Description:          "Create a calendar event, such as a patient follow-up appointment.",
		Parameters:           argsSchema[calendarArgs](),
		Category:             "scheduling",
		RequiresPHI:          true,
		RequiresConfirmation: true,
		RiskLevel:            "medium",
		RateLimitPerMinute:   10,
		TimeoutSeconds:       10,
		Idempotent:           false,
	}
}

// Invoke implements [tools.Handler].
func (c *Calendar) Invoke(ctx context.Context, rawArgs string) (string, error) {
	args, err := decodeArgs[calendarArgs](rawArgs)
	if err != nil {
		return "", err
	}

	start, err := time.Parse(time.RFC3339, args.Start)
	if err != nil {
		return "", fmt.Errorf("builtin: start time must be RFC 3339: %w", err)
	}
	if start.Before(c.now()) {
		return "", fmt.Errorf("builtin: start time %s is in the past", args.Start)
	}
	duration := args.DurationMinutes
	if duration == 0 {
		duration = 30
	}

	ev := CalendarEvent{
		ID:              uuid.NewString(),
		Title:           args.Title,
		Start:           start,
		DurationMinutes: duration,
		Attendees:       args.Attendees,
	}
	if err := c.backend.CreateEvent(ctx, ev); err != nil {
		return "", fmt.Errorf("builtin: create event: %w", err)
	}
	return encodeResult(ev)
}

var _ tools.Handler = (*Calendar)(nil)
