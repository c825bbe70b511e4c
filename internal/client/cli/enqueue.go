package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iudanet/fieldsync/internal/client/outbox"
)

// EnqueueOptions describes one offline change.
type EnqueueOptions struct {
	EntityType string
	EntityID   string
	LocalID    string
	Action     string
	Method     string
	Data       string
}

// Enqueue records a change in the outbox without contacting the server.
func (c *Cli) Enqueue(ctx context.Context, o EnqueueOptions) error {
	m := outbox.Mutation{
		EntityType: o.EntityType,
		EntityID:   o.EntityID,
		LocalID:    o.LocalID,
		Action:     o.Action,
		Method:     o.Method,
	}
	if o.Data != "" {
		if !json.Valid([]byte(o.Data)) {
			return fmt.Errorf("--data is not valid JSON")
		}
		m.Data = json.RawMessage(o.Data)
	}

	op, err := c.outbox.Enqueue(ctx, m)
	if err != nil {
		return err
	}

	c.io.Printf("✓ Queued %s %s\n", op.Operation.Method, op.Operation.Endpoint)
	c.io.Printf("Operation: %s\n", op.Operation.ID)
	if m.IsCreate() {
		c.io.Printf("Local ID:  %s\n", op.Operation.LocalID)
	}
	return nil
}
