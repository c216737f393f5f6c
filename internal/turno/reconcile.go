package turno

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

type OrphanStatus string

const (
	OrphanPending OrphanStatus = "pending"
	OrphanDeleted OrphanStatus = "deleted"
	OrphanInUse   OrphanStatus = "in_use"
	OrphanFailed  OrphanStatus = "failed"
)

type OrphanedEvent struct {
	CalendarEventID string
	SlotID          string
	RecordedAt      time.Time
	Status          OrphanStatus
	Error           string
}

type eventRef struct {
	CalendarEventID string `json:"calendar_event_id"`
}

// ReconcileOrphans lists recorded orphaned calendar events that were not
// reconciled yet. With apply, events no slot points at are deleted; events a
// slot does reference are just marked reconciled.
func (s *Service) ReconcileOrphans(ctx context.Context, apply bool) ([]OrphanedEvent, error) {
	orphaned, err := s.repo.ListEvents(ctx, EventCalendarOrphaned)
	if err != nil {
		return nil, fmt.Errorf("list orphaned events: %w", err)
	}
	reconciled, err := s.repo.ListEvents(ctx, EventCalendarEventReconciled)
	if err != nil {
		return nil, fmt.Errorf("list reconciled events: %w", err)
	}

	done := make(map[string]bool, len(reconciled))
	for _, ev := range reconciled {
		var ref eventRef
		if err := json.Unmarshal(ev.Payload, &ref); err == nil && ref.CalendarEventID != "" {
			done[ref.CalendarEventID] = true
		}
	}

	var out []OrphanedEvent
	for _, ev := range orphaned {
		var ref eventRef
		if err := json.Unmarshal(ev.Payload, &ref); err != nil || ref.CalendarEventID == "" {
			s.log.Warn("orphan record without calendar event id", zap.String("event_id", ev.ID))
			continue
		}
		if done[ref.CalendarEventID] {
			continue
		}
		done[ref.CalendarEventID] = true

		item := OrphanedEvent{
			CalendarEventID: ref.CalendarEventID,
			SlotID:          ev.SlotID,
			RecordedAt:      ev.CreatedAt,
			Status:          OrphanPending,
		}

		owner, err := s.repo.FindSlotByCalendarEvent(ctx, ref.CalendarEventID)
		switch {
		case err == nil:
			item.Status = OrphanInUse
			item.SlotID = owner.ID
		case errors.Is(err, ErrSlotNotFound):
		default:
			return out, fmt.Errorf("find slot for event %s: %w", ref.CalendarEventID, err)
		}

		if apply {
			s.resolveOrphan(ctx, &item)
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *Service) resolveOrphan(ctx context.Context, item *OrphanedEvent) {
	if item.Status == OrphanPending {
		if err := s.calendar.Delete(ctx, item.CalendarEventID); err != nil {
			item.Status = OrphanFailed
			item.Error = err.Error()
			s.log.Error("delete orphaned calendar event",
				zap.String("calendar_event_id", item.CalendarEventID),
				zap.Error(err),
			)
			return
		}
		item.Status = OrphanDeleted
	}

	s.recordEvent(ctx, EventCalendarEventReconciled, item.SlotID, map[string]any{
		"calendar_event_id": item.CalendarEventID,
		"resolution":        string(item.Status),
	})
}
