package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/iudanet/fieldsync/internal/client/storage"
	pkgapi "github.com/iudanet/fieldsync/pkg/api"
)

// Status prints the session, the outbox counters and the sync positions.
// It needs no PIN.
func (c *Cli) Status(ctx context.Context) error {
	c.io.Println("=== Device Status ===")
	c.io.Println()

	authData, err := c.authStore.GetStoredAuth(ctx)
	switch {
	case errors.Is(err, storage.ErrAuthNotFound):
		c.io.Println("Session: not logged in")
		c.io.Println("Run 'fieldsync login' to authenticate.")
	case err != nil:
		return fmt.Errorf("failed to read session: %w", err)
	default:
		c.io.Printf("Session: %s on device %s\n", authData.ActorID, authData.DeviceID)
		if authData.Role != "" {
			c.io.Printf("Role:    %s\n", authData.Role)
		}
		if authData.ServerURL != "" {
			c.io.Printf("Server:  %s\n", authData.ServerURL)
		}
		if authData.Sealed {
			c.io.Println("Token:   sealed with PIN")
		}
		if authData.ExpiresAt > 0 {
			expiresAt := time.Unix(authData.ExpiresAt, 0)
			c.io.Printf("Expires: %s\n", expiresAt.UTC().Format(time.RFC3339))
			if authData.Expired(time.Now().Unix()) {
				c.io.Println("⚠️  Token has expired. Please login again.")
			}
		}
	}

	counts, err := c.outbox.Counts(ctx)
	if err != nil {
		return fmt.Errorf("failed to count outbox: %w", err)
	}
	c.io.Println()
	c.io.Printf("Outbox:  %d pending, %d conflict, %d failed\n",
		counts[storage.StatePending], counts[storage.StateConflict], counts[storage.StateFailed])

	last, err := c.store.GetLastSyncTimestamp(ctx)
	if err != nil {
		return fmt.Errorf("failed to read last sync: %w", err)
	}
	c.io.Printf("Last sync: %s\n", formatTimestamp(pkgapi.Timestamp(last)))

	checkpoints, err := c.store.GetCheckpoints(ctx)
	if err != nil {
		return fmt.Errorf("failed to read checkpoints: %w", err)
	}
	types := make([]string, 0, len(checkpoints))
	for t := range checkpoints {
		types = append(types, t)
	}
	slices.Sort(types)
	for _, t := range types {
		c.io.Printf("  %-16s %s\n", t, formatTimestamp(pkgapi.Timestamp(checkpoints[t])))
	}

	if counts[storage.StateConflict] > 0 {
		c.io.Println()
		c.io.Println("Run 'fieldsync conflicts' to review conflicts.")
	}
	return nil
}
