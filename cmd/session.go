package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vihu/tandem/internal/client"
	"github.com/vihu/tandem/internal/config"
	"github.com/vihu/tandem/internal/document"
	"github.com/vihu/tandem/internal/server"
	"github.com/vihu/tandem/internal/ui"
)

const syncTimeout = 10 * time.Second

// Connection is an open session to one room.
type Connection struct {
	Config  *config.Client
	Room    string
	Session *client.Session
}

func roomArg(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return server.DefaultRoom
}

func presenceName() string {
	if flagName != "" {
		return flagName
	}
	return client.DefaultName()
}

func loadClientConfig() (*config.Client, error) {
	cfg, err := config.LoadClient(config.Options{
		ConfigFile:   flagConfig,
		ServerURL:    flagServer,
		MaxFrameSize: flagMaxFrameSize,
	})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Connect joins room on the configured server and starts routing frames.
func Connect(ctx context.Context, room string) (*Connection, error) {
	cfg, err := loadClientConfig()
	if err != nil {
		return nil, err
	}

	spin := ui.NewConnectionSpinner(fmt.Sprintf("Connecting to %s...", cfg.ServerURL))
	spin.Start()
	c := client.New(cfg.RoomURL(room), slog.Default())
	c.ReadLimit = int64(cfg.MaxFrameSize)
	if err := c.Connect(ctx); err != nil {
		spin.Stop()
		return nil, err
	}
	spin.Stop()

	sess := client.NewSession(c, document.New(), slog.Default())
	sess.Start()

	return &Connection{Config: cfg, Room: room, Session: sess}, nil
}

func (c *Connection) Close() {
	c.Session.Close()
}

// Sync requests a snapshot and waits for the resulting text.
func (c *Connection) Sync(ctx context.Context) (string, error) {
	if err := c.Session.RequestSync(); err != nil {
		return "", err
	}

	timer := time.NewTimer(syncTimeout)
	defer timer.Stop()

	select {
	case text := <-c.Session.Synced:
		return text, nil
	case p := <-c.Session.Errors:
		return "", p
	case <-c.Session.Done():
		return "", closeReason(c.Session.Err())
	case <-timer.C:
		return "", fmt.Errorf("no sync response from %s after %s", c.Config.ServerURL, syncTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// closeReason turns the error that ended a session into a message for
// the user.
func closeReason(err error) error {
	var ce *websocket.CloseError
	switch {
	case err == nil:
		return errors.New("connection closed by server")
	case errors.As(err, &ce) && ce.Code == websocket.CloseTryAgainLater:
		if ce.Text != "" {
			return fmt.Errorf("server is at capacity: %s", ce.Text)
		}
		return errors.New("server is at capacity")
	case errors.As(err, &ce) && ce.Code == websocket.CloseGoingAway:
		return errors.New("server is shutting down")
	}
	return fmt.Errorf("connection lost: %w", err)
}
