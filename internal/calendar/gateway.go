package calendar

import (
	"context"
	"time"
)

// Event is what the booking workflow asks the calendar to create.
type Event struct {
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	TimeZone    string
	Attendees   []string
}

// Created identifies a calendar event that now exists.
type Created struct {
	ID       string
	HTMLLink string
}

// Change moves an existing event.
type Change struct {
	Summary  string
	Start    time.Time
	End      time.Time
	TimeZone string
}

// Gateway is the external calendar service. Failures are returned as-is and
// never retried here.
type Gateway interface {
	Create(ctx context.Context, ev Event) (*Created, error)
	Update(ctx context.Context, eventID string, change Change) error
	Delete(ctx context.Context, eventID string) error
}
