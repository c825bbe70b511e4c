package cli

import (
	"context"
	"fmt"

	"github.com/iudanet/fieldsync/internal/client/outbox"
	"github.com/iudanet/fieldsync/internal/client/storage"
)

// Conflicts lists outbox entries the server refused. With server set it
// lists the device's conflict audit from the server instead.
func (c *Cli) Conflicts(ctx context.Context, server bool, limit int) error {
	if server {
		return c.serverConflicts(ctx, limit)
	}

	ops, err := c.outbox.List(ctx, "")
	if err != nil {
		return err
	}

	shown := 0
	for _, op := range ops {
		if op.State == storage.StatePending {
			continue
		}
		shown++
		c.io.Printf("%s  %-8s %s %s\n", op.Operation.ID, op.State, op.Operation.Method, op.Operation.Endpoint)
		c.io.Printf("    local:  %s\n", compactJSON(op.Operation.Data))
		if op.ServerValue != nil {
			c.io.Printf("    server: %s (updated %s)\n", compactJSON(op.ServerValue.Data), formatTimestamp(op.ServerValue.UpdatedAt))
		}
		if op.LastError != nil {
			c.io.Printf("    error:  %s: %s\n", op.LastError.Code, op.LastError.Message)
		}
	}

	if shown == 0 {
		c.io.Println("No conflicts.")
		return nil
	}
	c.io.Println()
	c.io.Println("Run 'fieldsync resolve <operation-id> --keep server|client' to settle one.")
	return nil
}

func (c *Cli) serverConflicts(ctx context.Context, limit int) error {
	sess, err := c.session(ctx)
	if err != nil {
		return err
	}

	records, err := c.apiClient.Conflicts(ctx, sess.AccessToken, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		c.io.Println("No conflicts recorded by the server.")
		return nil
	}
	for _, r := range records {
		c.io.Printf("%s  %s/%s  %s (%s)  %s\n",
			formatTimestamp(r.CreatedAt), r.EntityType, r.EntityID, r.ResolvedAs, r.Policy, r.OperationID)
	}
	return nil
}

// Resolve settles a conflicted or failed outbox entry.
func (c *Cli) Resolve(ctx context.Context, operationID, keep string) error {
	k := outbox.Keep(keep)
	if k != outbox.KeepServer && k != outbox.KeepClient {
		return fmt.Errorf("--keep must be %q or %q", outbox.KeepServer, outbox.KeepClient)
	}

	if err := c.outbox.Resolve(ctx, operationID, k); err != nil {
		return err
	}

	if k == outbox.KeepServer {
		c.io.Println("✓ Local change dropped")
	} else {
		c.io.Println("✓ Local change queued again, run 'fieldsync sync' to send it")
	}
	return nil
}
