package payment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// MercadoPago is a thin REST client for the checkout and payments APIs.
type MercadoPago struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

func NewMercadoPago(baseURL, accessToken string, timeout time.Duration) *MercadoPago {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &MercadoPago{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx answer from the provider.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mercadopago: status %d: %s", e.StatusCode, e.Message)
}

type mpItem struct {
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	CurrencyID  string  `json:"currency_id,omitempty"`
}

type mpPreferenceRequest struct {
	Items []mpItem `json:"items"`
	Payer *struct {
		Email string `json:"email"`
	} `json:"payer,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	BackURLs struct {
		Success string `json:"success"`
		Failure string `json:"failure"`
		Pending string `json:"pending"`
	} `json:"back_urls"`
	AutoReturn string `json:"auto_return,omitempty"`
}

type mpPreferenceResponse struct {
	ID        string `json:"id"`
	InitPoint string `json:"init_point"`
}

type mpPaymentResponse struct {
	ID     ResourceID `json:"id"`
	Status string     `json:"status"`
	Payer  struct {
		Email string `json:"email"`
	} `json:"payer"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	Metadata          map[string]any  `json:"metadata"`
}

func (m *MercadoPago) CreatePreference(ctx context.Context, pref Preference) (*PreferenceResult, error) {
	body := mpPreferenceRequest{
		Metadata:   pref.Metadata,
		AutoReturn: pref.AutoReturn,
	}
	for _, it := range pref.Items {
		// the API takes unit_price as a JSON number
		price := it.UnitPrice.InexactFloat64()
		body.Items = append(body.Items, mpItem{
			Title:       it.Title,
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   price,
			CurrencyID:  it.CurrencyID,
		})
	}
	if pref.PayerEmail != "" {
		body.Payer = &struct {
			Email string `json:"email"`
		}{Email: pref.PayerEmail}
	}
	body.BackURLs.Success = pref.BackURLs.Success
	body.BackURLs.Failure = pref.BackURLs.Failure
	body.BackURLs.Pending = pref.BackURLs.Pending

	var out mpPreferenceResponse
	if err := m.do(ctx, http.MethodPost, "/checkout/preferences", body, &out); err != nil {
		return nil, fmt.Errorf("create preference: %w", err)
	}
	return &PreferenceResult{ID: out.ID, InitPoint: out.InitPoint}, nil
}

func (m *MercadoPago) GetPayment(ctx context.Context, id string) (*Payment, error) {
	var out mpPaymentResponse
	err := m.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(id), nil, &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("get payment %s: %w", id, ErrPaymentNotFound)
		}
		return nil, fmt.Errorf("get payment %s: %w", id, err)
	}

	return &Payment{
		ID:                out.ID.String(),
		Status:            out.Status,
		PayerEmail:        strings.TrimSpace(out.Payer.Email),
		TransactionAmount: out.TransactionAmount,
		Metadata:          out.Metadata,
	}, nil
}

func (m *MercadoPago) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+m.accessToken)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
