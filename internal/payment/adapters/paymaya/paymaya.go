package paymaya

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	paymentdomain "github.com/smallbiznis/careledger/internal/payment/domain"
)

const (
	providerName = "paymaya"

	// TokenHeader carries the shared webhook token when one is configured.
	TokenHeader = "X-Webhook-Token"

	statusSuccess = "PAYMENT_SUCCESS"
)

var failedStatuses = map[string]bool{
	"PAYMENT_FAILED":    true,
	"PAYMENT_EXPIRED":   true,
	"PAYMENT_CANCELLED": true,
}

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return providerName
}

// NewAdapter accepts an optional "webhook_token". PayMaya does not sign
// deliveries, so without a token every payload is accepted.
func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	token := ""
	if raw, ok := cfg.Config["webhook_token"]; ok {
		value, ok := raw.(string)
		if !ok {
			return nil, paymentdomain.ErrInvalidConfig
		}
		token = strings.TrimSpace(value)
	}
	return &Adapter{token: token}, nil
}

type Adapter struct {
	token string
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if a.token == "" {
		return nil
	}
	got := strings.TrimSpace(headers.Get(TokenHeader))
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) != 1 {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

type payment struct {
	ID                     string          `json:"id"`
	Status                 string          `json:"status"`
	TotalAmount            amount          `json:"totalAmount"`
	RequestReferenceNumber string          `json:"requestReferenceNumber"`
	Metadata               paymentMetadata `json:"metadata"`
	UpdatedAt              string          `json:"updatedAt"`
}

type amount struct {
	Value    json.RawMessage `json:"value"`
	Currency string          `json:"currency"`
}

type paymentMetadata struct {
	UserID      json.RawMessage `json:"userId"`
	PatientID   json.RawMessage `json:"patientId"`
	IsAnonymous bool            `json:"isAnonymous"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var body payment
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(body.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	status := strings.ToUpper(strings.TrimSpace(body.Status))
	var eventType string
	switch {
	case status == statusSuccess:
		eventType = paymentdomain.EventTypePaymentSucceeded
	case failedStatuses[status]:
		eventType = paymentdomain.EventTypePaymentFailed
	default:
		return nil, paymentdomain.ErrEventIgnored
	}

	whole, err := parseAmount(body.TotalAmount.Value)
	if err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	donorID := rawID(body.Metadata.UserID)
	if donorID == "" && eventType == paymentdomain.EventTypePaymentSucceeded {
		return nil, paymentdomain.ErrInvalidDonor
	}

	return &paymentdomain.PaymentEvent{
		Provider:          providerName,
		ProviderEventID:   body.ID,
		ProviderPaymentID: body.ID,
		Type:              eventType,
		DonorID:           donorID,
		PatientID:         rawID(body.Metadata.PatientID),
		IsAnonymous:       body.Metadata.IsAnonymous,
		Reference:         strings.TrimSpace(body.RequestReferenceNumber),
		Amount:            whole,
		Currency:          strings.ToUpper(strings.TrimSpace(body.TotalAmount.Currency)),
		OccurredAt:        occurredAt(body.UpdatedAt),
		RawPayload:        payload,
	}, nil
}

// parseAmount reads a decimal that PayMaya sends either as a JSON number or a
// string, rounded half up to whole units.
func parseAmount(raw json.RawMessage) (int64, error) {
	text := strings.Trim(string(bytes.TrimSpace(raw)), `"`)
	if text == "" || text == "null" {
		return 0, nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(value)), nil
}

func rawID(raw json.RawMessage) string {
	text := strings.TrimSpace(strings.Trim(string(bytes.TrimSpace(raw)), `"`))
	if text == "null" {
		return ""
	}
	return text
}

func occurredAt(raw string) time.Time {
	parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return time.Now().UTC()
	}
	return parsed.UTC()
}
