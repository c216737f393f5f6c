package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GoogleGateway talks to one Google Calendar through the v3 API.
type GoogleGateway struct {
	svc        *gcal.Service
	calendarID string
}

// NewGoogleGateway builds the client. Callers pass the credentials explicitly,
// e.g. option.WithCredentialsFile.
func NewGoogleGateway(ctx context.Context, calendarID string, opts ...option.ClientOption) (*GoogleGateway, error) {
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	if calendarID == "" {
		calendarID = "primary"
	}
	return &GoogleGateway{svc: svc, calendarID: calendarID}, nil
}

// CredentialOptions returns the client options for a service account key file.
func CredentialOptions(credentialsFile string) []option.ClientOption {
	return []option.ClientOption{
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(gcal.CalendarEventsScope),
	}
}

func (g *GoogleGateway) Create(ctx context.Context, ev Event) (*Created, error) {
	attendees := make([]*gcal.EventAttendee, 0, len(ev.Attendees))
	for _, email := range ev.Attendees {
		attendees = append(attendees, &gcal.EventAttendee{Email: email})
	}

	created, err := g.svc.Events.Insert(g.calendarID, &gcal.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       eventTime(ev.Start, ev.TimeZone),
		End:         eventTime(ev.End, ev.TimeZone),
		Attendees:   attendees,
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("insert calendar event: %w", err)
	}

	return &Created{ID: created.Id, HTMLLink: created.HtmlLink}, nil
}

func (g *GoogleGateway) Update(ctx context.Context, eventID string, change Change) error {
	_, err := g.svc.Events.Patch(g.calendarID, eventID, &gcal.Event{
		Summary: change.Summary,
		Start:   eventTime(change.Start, change.TimeZone),
		End:     eventTime(change.End, change.TimeZone),
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("patch calendar event %s: %w", eventID, err)
	}
	return nil
}

// Delete treats an event that is already gone as deleted.
func (g *GoogleGateway) Delete(ctx context.Context, eventID string) error {
	err := g.svc.Events.Delete(g.calendarID, eventID).Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && (apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone) {
			return nil
		}
		return fmt.Errorf("delete calendar event %s: %w", eventID, err)
	}
	return nil
}

func eventTime(t time.Time, zone string) *gcal.EventDateTime {
	return &gcal.EventDateTime{
		DateTime: t.Format(time.RFC3339),
		TimeZone: zone,
	}
}
