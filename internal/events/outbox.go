package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/careledger/internal/clock"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Entry describes a change to publish.
type Entry struct {
	EntityType string
	EntityID   snowflake.ID
	Type       Type
	Before     any
	After      any
}

// Outbox inserts events inside the caller's transaction.
type Outbox struct {
	genID *snowflake.Node
	clock clock.Clock
}

func NewOutbox(genID *snowflake.Node, clk clock.Clock) *Outbox {
	return &Outbox{genID: genID, clock: clk}
}

// Publish writes the event with tx so it commits or rolls back with the change.
func (o *Outbox) Publish(ctx context.Context, tx *gorm.DB, entry Entry) error {
	before, err := snapshot(entry.Before)
	if err != nil {
		return fmt.Errorf("encode before: %w", err)
	}
	after, err := snapshot(entry.After)
	if err != nil {
		return fmt.Errorf("encode after: %w", err)
	}

	now := o.clock.Now()
	evt := Event{
		ID:          o.genID.Generate(),
		EntityType:  entry.EntityType,
		EntityID:    entry.EntityID,
		EventType:   entry.Type,
		Before:      before,
		After:       after,
		AvailableAt: now,
		CreatedAt:   now,
	}
	return tx.WithContext(ctx).Create(&evt).Error
}

func snapshot(v any) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
