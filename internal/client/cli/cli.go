package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/iudanet/fieldsync/internal/client/api"
	"github.com/iudanet/fieldsync/internal/client/auth"
	"github.com/iudanet/fieldsync/internal/client/iocli"
	"github.com/iudanet/fieldsync/internal/client/outbox"
	"github.com/iudanet/fieldsync/internal/client/storage"
)

// PINEnv is the environment variable consulted first for the device PIN.
const PINEnv = "FIELDSYNC_PIN"

// PINSource lists the non-interactive places a PIN can come from.
type PINSource struct {
	FromFile string
	FromArgs string
}

// Storage is everything the CLI keeps on the device.
type Storage interface {
	outbox.Store
	storage.AuthStorage
}

// Options configures a Cli.
type Options struct {
	PIN        PINSource
	ServerURL  string
	DeviceID   string // when set, the stored session must belong to this device
	Role       string // overrides the role claim of the token
	AppVersion string
}

// Cli implements the fieldsync device commands.
type Cli struct {
	io          iocli.IO
	apiClient   api.ClientAPI
	authStore   *auth.Store
	authService *auth.Service
	outbox      *outbox.Service
	store       Storage
	opts        Options
}

// New wires the device services over apiClient and store.
func New(io iocli.IO, apiClient api.ClientAPI, store Storage, logger *slog.Logger, opts Options) *Cli {
	authStore := auth.NewStore(store)
	return &Cli{
		io:          io,
		apiClient:   apiClient,
		authStore:   authStore,
		authService: auth.NewService(apiClient, authStore),
		outbox:      outbox.NewService(apiClient, store, logger, outbox.WithAppVersion(opts.AppVersion)),
		store:       store,
		opts:        opts,
	}
}

// getPIN reads the PIN from, in order: the FIELDSYNC_PIN environment
// variable, the PIN file, the command-line value. It returns "" when none
// is set.
func getPIN(pins PINSource) (string, error) {
	if env := os.Getenv(PINEnv); env != "" {
		return env, nil
	}

	if pins.FromFile != "" {
		content, err := os.ReadFile(pins.FromFile)
		if err != nil {
			return "", fmt.Errorf("failed to read PIN file: %w", err)
		}
		pin := strings.TrimSpace(string(content))
		if pin == "" {
			return "", fmt.Errorf("PIN file is empty")
		}
		return pin, nil
	}

	return pins.FromArgs, nil
}

// unlockPIN returns the PIN for a sealed session, prompting when no other
// source has one.
func (c *Cli) unlockPIN() (string, error) {
	pin, err := getPIN(c.opts.PIN)
	if err != nil || pin != "" {
		return pin, err
	}
	pin, err = c.io.ReadPassword("PIN: ")
	if err != nil {
		return "", fmt.Errorf("failed to read PIN: %w", err)
	}
	if pin == "" {
		return "", auth.ErrPINRequired
	}
	return pin, nil
}

// session opens the stored device session.
func (c *Cli) session(ctx context.Context) (outbox.Session, error) {
	stored, err := c.authStore.GetStoredAuth(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrAuthNotFound) {
			return outbox.Session{}, fmt.Errorf("not logged in, run 'fieldsync login' first")
		}
		return outbox.Session{}, fmt.Errorf("failed to read session: %w", err)
	}
	if c.opts.DeviceID != "" && stored.DeviceID != c.opts.DeviceID {
		return outbox.Session{}, fmt.Errorf("session belongs to device %q, not %q", stored.DeviceID, c.opts.DeviceID)
	}

	var pin string
	if stored.Sealed {
		if pin, err = c.unlockPIN(); err != nil {
			return outbox.Session{}, err
		}
	}

	data, err := c.authStore.GetAuth(ctx, pin)
	if err != nil {
		return outbox.Session{}, err
	}

	role := c.opts.Role
	if role == "" {
		role = data.Role
	}
	return outbox.Session{AccessToken: data.AccessToken, DeviceID: data.DeviceID, Role: role}, nil
}
