// Package events is the transactional outbox that replaces document
// triggers: writers insert an entity_events row in the same transaction as
// the change, and the worker fans each row out to subscribed handlers with
// at-least-once delivery.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Type string

const (
	DonationCreated   Type = "donation.created"
	DonationConfirmed Type = "donation.confirmed"
	AuctionCreated    Type = "auction.created"
	AuctionUpdated    Type = "auction.updated"
	PatientCreated    Type = "patient.created"
	PatientUpdated    Type = "patient.updated"
	DonorTierChanged  Type = "donor.tier_changed"
)

var ErrEmptyPayload = errors.New("event_payload_empty")

// Event is one outbox row.
type Event struct {
	ID          snowflake.ID   `gorm:"primaryKey" json:"id"`
	EntityType  string         `gorm:"not null" json:"entity_type"`
	EntityID    snowflake.ID   `gorm:"not null" json:"entity_id"`
	EventType   Type           `gorm:"not null" json:"event_type"`
	Before      datatypes.JSON `json:"before,omitempty"`
	After       datatypes.JSON `json:"after,omitempty"`
	Attempts    int            `gorm:"not null" json:"attempts"`
	LastError   *string        `json:"last_error,omitempty"`
	AvailableAt time.Time      `gorm:"not null" json:"available_at"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
}

func (Event) TableName() string { return "entity_events" }

// DecodeBefore unmarshals the pre-change snapshot.
func (e Event) DecodeBefore(dst any) error {
	return decode(e.Before, dst)
}

// DecodeAfter unmarshals the post-change snapshot.
func (e Event) DecodeAfter(dst any) error {
	return decode(e.After, dst)
}

// HasBefore reports whether the event carries a pre-change snapshot.
func (e Event) HasBefore() bool {
	return !isEmpty(e.Before)
}

func decode(raw datatypes.JSON, dst any) error {
	if isEmpty(raw) {
		return ErrEmptyPayload
	}
	return json.Unmarshal(raw, dst)
}

func isEmpty(raw datatypes.JSON) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// Handler reacts to one event. Handlers must be idempotent: a row is
// redelivered until every handler for its type succeeds.
type Handler func(ctx context.Context, evt Event) error
