package calendar

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *GoogleGateway {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gw, err := NewGoogleGateway(context.Background(), "primary",
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	return gw
}

func TestGoogleGatewayCreate(t *testing.T) {
	loc, err := time.LoadLocation("America/Argentina/Buenos_Aires")
	require.NoError(t, err)
	start := time.Date(2025, 3, 10, 9, 30, 0, 0, loc)

	var got map[string]any
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/calendars/primary/events", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"ev-1","htmlLink":"https://calendar.google.com/event?eid=ev-1"}`))
	})

	created, err := gw.Create(context.Background(), Event{
		Summary:     "Turno: Cardiología con Dr. Ana Pérez",
		Description: "Paciente: Juan",
		Start:       start,
		End:         start.Add(30 * time.Minute),
		TimeZone:    "America/Argentina/Buenos_Aires",
		Attendees:   []string{"juan@example.com"},
	})
	require.NoError(t, err)

	assert.Equal(t, "ev-1", created.ID)
	assert.Equal(t, "https://calendar.google.com/event?eid=ev-1", created.HTMLLink)

	startField := got["start"].(map[string]any)
	assert.Equal(t, "2025-03-10T09:30:00-03:00", startField["dateTime"])
	endField := got["end"].(map[string]any)
	assert.Equal(t, "2025-03-10T10:00:00-03:00", endField["dateTime"])
	attendees := got["attendees"].([]any)
	require.Len(t, attendees, 1)
	assert.Equal(t, "juan@example.com", attendees[0].(map[string]any)["email"])
}

func TestGoogleGatewayUpdate(t *testing.T) {
	start := time.Date(2025, 3, 11, 14, 0, 0, 0, time.FixedZone("ART", -3*3600))

	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/calendars/primary/events/ev-1", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Turno actualizado", body["summary"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"ev-1"}`))
	})

	err := gw.Update(context.Background(), "ev-1", Change{
		Summary:  "Turno actualizado",
		Start:    start,
		End:      start.Add(30 * time.Minute),
		TimeZone: "America/Argentina/Buenos_Aires",
	})
	assert.NoError(t, err)
}

func TestGoogleGatewayDelete(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"deleted", http.StatusNoContent, false},
		{"already gone", http.StatusGone, false},
		{"missing", http.StatusNotFound, false},
		{"server error", http.StatusInternalServerError, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodDelete, r.Method)
				if tc.status >= 400 {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(tc.status)
					_, _ = fmt.Fprintf(w, `{"error":{"code":%d,"message":"nope"}}`, tc.status)
					return
				}
				w.WriteHeader(tc.status)
			})

			err := gw.Delete(context.Background(), "ev-1")
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
