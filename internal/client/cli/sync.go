package cli

import (
	"context"
	"fmt"
	"slices"
)

// Sync pushes the outbox and pulls the role's changes.
func (c *Cli) Sync(ctx context.Context) error {
	c.io.Println("=== Synchronization ===")

	sess, err := c.session(ctx)
	if err != nil {
		return err
	}

	result, err := c.outbox.Sync(ctx, sess)
	if result != nil {
		c.io.Println()
		c.io.Printf("Pushed to server:   %d operation(s)\n", result.Pushed)
		c.io.Printf("Applied:            %d\n", result.Applied)
		if result.Conflicts > 0 {
			c.io.Printf("Conflicts:          %d\n", result.Conflicts)
		}
		if result.Failed > 0 {
			c.io.Printf("Failed:             %d\n", result.Failed)
		}
		if result.Retrying > 0 {
			c.io.Printf("Will retry:         %d\n", result.Retrying)
		}
		c.io.Printf("Pulled from server: %d record(s)\n", result.Pulled)
		c.io.Printf("Synced through:     %s\n", formatTimestamp(result.SyncTimestamp))
	}
	if err != nil {
		return fmt.Errorf("synchronization failed: %w", err)
	}

	c.io.Println()
	if result.Incomplete {
		c.io.Println("⚠️  The server reported more data without progress. Run sync again later.")
	} else {
		c.io.Println("✓ Synchronization completed")
	}
	if result.Conflicts > 0 || result.Failed > 0 {
		c.io.Println("Run 'fieldsync conflicts' to review rejected operations.")
	}
	return nil
}

// PullOptions selects what Pull downloads.
type PullOptions struct {
	EntityTypes []string
	BranchID    string
	Limit       int
	Batch       bool
}

// Pull downloads changes of the given entity types, one paged delta per
// type or a single batch request.
func (c *Cli) Pull(ctx context.Context, o PullOptions) error {
	if len(o.EntityTypes) == 0 {
		return fmt.Errorf("at least one entity type is required")
	}

	sess, err := c.session(ctx)
	if err != nil {
		return err
	}

	if o.Batch {
		res, err := c.outbox.BatchPull(ctx, sess, o.EntityTypes, o.BranchID)
		if err != nil {
			return err
		}
		c.io.Printf("Pulled %d record(s) through %s\n", res.Pulled, formatTimestamp(res.SyncTimestamp))

		types := make([]string, 0, len(res.Errors))
		for t := range res.Errors {
			types = append(types, t)
		}
		slices.Sort(types)
		for _, t := range types {
			c.io.Printf("  %s: %s\n", t, res.Errors[t].Message)
		}
		if res.HasMore {
			c.io.Println("More data is available, run pull again.")
		}
		return nil
	}

	for _, t := range o.EntityTypes {
		res, err := c.outbox.Pull(ctx, sess, t, o.BranchID, o.Limit)
		if err != nil {
			return fmt.Errorf("pull %s: %w", t, err)
		}
		c.io.Printf("%-16s %d record(s) in %d page(s) through %s\n",
			t, res.Pulled, res.Pages, formatTimestamp(res.SyncTimestamp))
		if res.Incomplete {
			c.io.Printf("%-16s more data is available, run pull again\n", t)
		}
	}
	return nil
}

// Upload sends queued creates through the bulk upload endpoint.
func (c *Cli) Upload(ctx context.Context) error {
	sess, err := c.session(ctx)
	if err != nil {
		return err
	}

	res, err := c.outbox.Upload(ctx, sess)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	if res.Uploaded == 0 && res.Failed == 0 {
		c.io.Println("Nothing to upload.")
		return nil
	}
	c.io.Printf("Uploaded: %d\n", res.Uploaded)
	if res.Failed > 0 {
		c.io.Printf("Failed:   %d\n", res.Failed)
	}
	return nil
}
