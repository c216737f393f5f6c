package payment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePreference(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/checkout/preferences", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"pref-1","init_point":"https://mp.test/checkout?pref=pref-1"}`))
	}))
	defer srv.Close()

	mp := NewMercadoPago(srv.URL+"/", "test-token", 0)
	res, err := mp.CreatePreference(context.Background(), Preference{
		Items: []Item{{
			Title:       "Reserva de turno médico",
			Description: "Obra social: IOSFA",
			Quantity:    1,
			UnitPrice:   decimal.RequireFromString("4000"),
		}},
		PayerEmail: "ana@example.com",
		Metadata:   map[string]string{MetadataSlotID: "slot-1", MetadataInsuranceName: "IOSFA"},
		BackURLs: BackURLs{
			Success: "http://front/pago/estatus?status=approved",
			Failure: "http://front/pago/estatus?status=rejected",
			Pending: "http://front/pago/estatus?status=pending",
		},
		AutoReturn: "approved",
	})
	require.NoError(t, err)
	assert.Equal(t, "pref-1", res.ID)
	assert.Equal(t, "https://mp.test/checkout?pref=pref-1", res.InitPoint)

	items := got["items"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, float64(4000), item["unit_price"])
	assert.Equal(t, float64(1), item["quantity"])
	assert.Equal(t, "ana@example.com", got["payer"].(map[string]any)["email"])
	assert.Equal(t, "slot-1", got["metadata"].(map[string]any)["slot_id"])
	assert.Equal(t, "approved", got["auto_return"])
	assert.Equal(t, "http://front/pago/estatus?status=rejected", got["back_urls"].(map[string]any)["failure"])
}

func TestGetPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/payments/123":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{
				"id": 123,
				"status": "approved",
				"payer": {"email": " ana@example.com "},
				"transaction_amount": 3750.5,
				"metadata": {"slot_id": "slot-1", "insurance_name": "OSDE"}
			}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Payment not found"}`))
		}
	}))
	defer srv.Close()

	mp := NewMercadoPago(srv.URL, "test-token", 0)

	p, err := mp.GetPayment(context.Background(), "123")
	require.NoError(t, err)
	assert.Equal(t, "123", p.ID)
	assert.Equal(t, StatusApproved, p.Status)
	assert.Equal(t, "ana@example.com", p.PayerEmail)
	assert.True(t, decimal.RequireFromString("3750.5").Equal(p.TransactionAmount))
	assert.Equal(t, "slot-1", p.MetadataString(MetadataSlotID))
	assert.Equal(t, "OSDE", p.MetadataString(MetadataInsuranceName))

	_, err = mp.GetPayment(context.Background(), "999")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPaymentNotFound))
}

func TestGetPaymentServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewMercadoPago(srv.URL, "t", 0).GetPayment(context.Background(), "1")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.False(t, errors.Is(err, ErrPaymentNotFound))
}

func TestNotificationAcceptsNumericAndStringIDs(t *testing.T) {
	cases := map[string]string{
		`{"type":"payment","data":{"id":123456789}}`:   "123456789",
		`{"type":"payment","data":{"id":"987"}}`:       "987",
		`{"type":"payment","data":{"id":null}}`:        "",
		`{"type":"merchant_order","data":{}}`:          "",
	}

	for body, want := range cases {
		var n Notification
		require.NoError(t, json.Unmarshal([]byte(body), &n), body)
		assert.Equal(t, want, n.Data.ID.String(), body)
	}
}

func TestMetadataString(t *testing.T) {
	p := &Payment{Metadata: map[string]any{
		"slot_id": float64(42),
		"name":    " OSDE ",
		"nil":     nil,
	}}

	assert.Equal(t, "42", p.MetadataString("slot_id"))
	assert.Equal(t, "OSDE", p.MetadataString("name"))
	assert.Equal(t, "", p.MetadataString("nil"))
	assert.Equal(t, "", p.MetadataString("missing"))

	var nilPayment *Payment
	assert.Equal(t, "", nilPayment.MetadataString("slot_id"))
}
