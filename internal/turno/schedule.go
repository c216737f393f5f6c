package turno

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/hackgods/turnos/internal/calendar"
)

const (
	DefaultTimeZone      = "America/Argentina/Buenos_Aires"
	DefaultEventDuration = 30 * time.Minute
)

// NormalizeDate accepts YYYY-MM-DD, or an RFC3339 timestamp whose civil date
// is kept as written.
func NormalizeDate(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if d, err := time.Parse(DateLayout, raw); err == nil {
		return d.Format(DateLayout), nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.Format(DateLayout), nil
	}
	return "", fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrInvalidSlotInput, raw)
}

// NormalizeTime pads single digit hours, "9:30" becomes "09:30".
func NormalizeTime(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	t, err := time.Parse(TimeLayout, raw)
	if err != nil {
		return "", fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidSlotInput, raw)
	}
	return t.Format(TimeLayout), nil
}

// SlotStart anchors the slot's civil date and time to loc.
func SlotStart(date, clock string, loc *time.Location) (time.Time, error) {
	start, err := time.ParseInLocation(DateLayout+" "+TimeLayout, date+" "+clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: slot date %q time %q", ErrInvalidSlotInput, date, clock)
	}
	return start, nil
}

func eventSummary(specialty *Specialty, doctor *Doctor) string {
	return fmt.Sprintf("Turno: %s con Dr. %s %s", specialty.Name, doctor.FirstName, doctor.LastName)
}

func eventDescription(p *Patient, insuranceName string) string {
	return fmt.Sprintf("Paciente: %s %s\nEmail: %s\nObra Social: %s", p.Name, p.LastName, p.Email, insuranceName)
}

func (s *Service) calendarEvent(slot *Slot, doctor *Doctor, specialty *Specialty, p *Patient, insuranceName string) (calendar.Event, error) {
	start, err := SlotStart(slot.Date, slot.Time, s.settings.Location)
	if err != nil {
		return calendar.Event{}, err
	}

	ev := calendar.Event{
		Summary:     eventSummary(specialty, doctor),
		Description: eventDescription(p, insuranceName),
		Start:       start,
		End:         start.Add(s.settings.EventDuration),
		TimeZone:    s.settings.TimeZone,
	}
	if p.Email != "" {
		ev.Attendees = []string{p.Email}
	}
	return ev, nil
}
