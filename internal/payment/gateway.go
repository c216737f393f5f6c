package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

const (
	StatusApproved = "approved"

	// TopicPayment is the only notification type the booking workflow acts on.
	TopicPayment = "payment"

	MetadataSlotID        = "slot_id"
	MetadataInsuranceName = "insurance_name"
)

var ErrPaymentNotFound = errors.New("payment not found")

type Item struct {
	Title       string
	Description string
	Quantity    int
	UnitPrice   decimal.Decimal
	CurrencyID  string
}

type BackURLs struct {
	Success string
	Failure string
	Pending string
}

// Preference is a checkout request. Metadata comes back untouched on the
// resulting payment.
type Preference struct {
	Items      []Item
	PayerEmail string
	Metadata   map[string]string
	BackURLs   BackURLs
	AutoReturn string
}

type PreferenceResult struct {
	ID        string
	InitPoint string
}

type Payment struct {
	ID                string
	Status            string
	PayerEmail        string
	TransactionAmount decimal.Decimal
	Metadata          map[string]any
}

// MetadataString returns a metadata value as text. Numbers are formatted
// without exponent so ids survive the round trip.
func (p *Payment) MetadataString(key string) string {
	if p == nil || p.Metadata == nil {
		return ""
	}
	switch v := p.Metadata[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Gateway is the external payment provider.
type Gateway interface {
	CreatePreference(ctx context.Context, pref Preference) (*PreferenceResult, error)
	GetPayment(ctx context.Context, id string) (*Payment, error)
}

// ResourceID accepts both `"123"` and `123`; the provider sends either
// depending on the notification version.
type ResourceID string

func (r *ResourceID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*r = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*r = ResourceID(strings.TrimSpace(v))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("resource id: %w", err)
	}
	*r = ResourceID(n.String())
	return nil
}

func (r ResourceID) String() string { return string(r) }

// Notification is the webhook body.
type Notification struct {
	Type   string `json:"type"`
	Action string `json:"action,omitempty"`
	Data   struct {
		ID ResourceID `json:"id"`
	} `json:"data"`
}
