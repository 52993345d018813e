package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	EventTypePaymentSucceeded = "payment_succeeded"
	EventTypePaymentFailed    = "payment_failed"
	EventTypeIgnored          = "ignored"
)

// PaymentEvent is the canonical payment event parsed by adapters. Amount is
// in whole currency units.
type PaymentEvent struct {
	Provider          string
	ProviderEventID   string
	ProviderPaymentID string
	Type              string
	DonorID           string
	PatientID         string
	IsAnonymous       bool
	Reference         string
	Amount            int64
	Currency          string
	OccurredAt        time.Time
	RawPayload        []byte
}

type AdapterConfig struct {
	Provider string
	Config   map[string]any
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}

type PaymentAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*PaymentEvent, error)
}

// IngestResult describes what a webhook delivery did.
type IngestResult struct {
	Provider   string       `json:"provider"`
	EventType  string       `json:"event_type"`
	DonationID snowflake.ID `json:"donation_id,omitempty"`
	Created    bool         `json:"created"`
	Ignored    bool         `json:"ignored"`
}

type Service interface {
	// IngestWebhook verifies and parses a provider delivery. Successful
	// payments record a pending donation keyed by the provider payment id.
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (IngestResult, error)
}

var (
	ErrInvalidProvider  = errors.New("invalid_provider")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidConfig    = errors.New("invalid_provider_config")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidDonor     = errors.New("invalid_donor")
	ErrEventIgnored     = errors.New("event_ignored")
)
