package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/iudanet/fieldsync/internal/client/auth"
)

// Login stores a device token. The token is prompted for when empty and
// sealed with the PIN when one is available.
func (c *Cli) Login(ctx context.Context, token string) error {
	c.io.Println("=== Login ===")

	var err error
	if token == "" {
		token, err = c.io.ReadPassword("Device token: ")
		if err != nil {
			return fmt.Errorf("failed to read token: %w", err)
		}
	}
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}

	claims, err := auth.ParseClaims(token)
	if err != nil {
		return err
	}
	if c.opts.DeviceID != "" && claims.DeviceID != c.opts.DeviceID {
		return fmt.Errorf("token is issued for device %q, not %q", claims.DeviceID, c.opts.DeviceID)
	}

	pin, err := getPIN(c.opts.PIN)
	if err != nil {
		return err
	}
	if pin == "" {
		pin, err = c.io.ReadPassword("PIN (empty for none): ")
		if err != nil {
			return fmt.Errorf("failed to read PIN: %w", err)
		}
	}

	result, err := c.authService.Login(ctx, c.opts.ServerURL, token, pin)
	if err != nil {
		return err
	}

	c.io.Println("✓ Login successful!")
	c.io.Printf("Actor:  %s\n", result.ActorID)
	c.io.Printf("Device: %s\n", result.DeviceID)
	if result.Role != "" {
		c.io.Printf("Role:   %s\n", result.Role)
	}
	if result.ExpiresAt > 0 {
		c.io.Printf("Token expires: %s\n", time.Unix(result.ExpiresAt, 0).UTC().Format(time.RFC3339))
	}
	if result.Sealed {
		c.io.Println("The token is sealed with your PIN.")
	}
	return nil
}

// Logout removes the stored session. The outbox stays on the device.
func (c *Cli) Logout(ctx context.Context) error {
	c.io.Println("=== Logout ===")

	if err := c.authService.Logout(ctx); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}
	c.io.Println("✓ Logout successful!")

	if counts, err := c.outbox.Counts(ctx); err == nil {
		if queued := queuedTotal(counts); queued > 0 {
			c.io.Printf("%d queued operation(s) are kept and will be sent after the next login.\n", queued)
		}
	}
	return nil
}
