// Package whatsapp wraps the Whatsmeow client for the Secretaria WhatsApp transport.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"github.com/saudezap/secretaria/internal/store"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

const (
	// DefaultSQLitePath is the default whatsmeow session database location.
	DefaultSQLitePath = "/var/lib/secretaria/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users.
	JIDSuffix = "s.whatsapp.net"
)

// Sender is the message-sending capability this package provides.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds session database and login configuration.
type Opts struct {
	DBDSN       string // whatsmeow session database connection string
	QRPath      string // path to write the login QR code
	NumericCode bool   // print the numeric pairing code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow session database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode switches the login flow to the numeric pairing code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// driverForDSN maps a session DSN onto the sql driver whatsmeow should use.
func driverForDSN(dsn string) string {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres"
	}
	return "sqlite3"
}

// missingForeignKeys reports whether a SQLite DSN lacks the foreign-keys
// pragma whatsmeow expects for referential integrity.
func missingForeignKeys(dsn string) bool {
	return !strings.Contains(dsn, "foreign_keys")
}

// Client wraps a connected whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient opens the session store, logs in when no session exists, and
// connects. The login flow blocks until pairing finishes.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = DefaultSQLitePath
	}
	slog.Debug("WhatsApp client configured", "dsn_set", cfg.DBDSN != "", "qr_path_set", cfg.QRPath != "", "numeric_code", cfg.NumericCode)

	ctx := context.Background()
	waClient, err := openSession(ctx, cfg.DBDSN)
	if err != nil {
		return nil, err
	}

	if waClient.Store.ID == nil {
		if err := login(waClient, cfg); err != nil {
			return nil, err
		}
	} else {
		slog.Debug("WhatsApp session found, connecting")
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("connect to WhatsApp: %w", err)
		}
	}

	slog.Info("WhatsApp client connected")
	return &Client{waClient: waClient}, nil
}

// openSession builds the whatsmeow client over the configured session store.
func openSession(ctx context.Context, dsn string) (*whatsmeow.Client, error) {
	driver := driverForDSN(dsn)
	if driver == "sqlite3" && missingForeignKeys(dsn) {
		slog.Warn("WhatsApp session DSN lacks the foreign-keys pragma whatsmeow expects",
			"dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("open WhatsApp session store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load WhatsApp device: %w", err)
	}
	return whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true)), nil
}

// login runs the interactive pairing flow, rendering either the QR code or
// the numeric code to stdout or the configured file.
func login(waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("WhatsApp login required, starting pairing flow")
	qrChan, _ := waClient.GetQRChannel(context.Background())
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("connect for WhatsApp pairing: %w", err)
	}

	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("create pairing code file: %w", err)
		}
		defer f.Close()
		writer = f
	}

	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Debug("WhatsApp pairing event", "event", evt.Event)
			fmt.Println("Login event:", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	return nil
}

// SendMessage sends one text message to a canonical phone number.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}

	jid := types.NewJID(to, JIDSuffix)
	if _, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body}); err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return fmt.Errorf("send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent", "to", to, "bodyLen", len(body))
	return nil
}

// GetClient returns the underlying whatsmeow client for event handling.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// MockClient implements Sender but performs no network calls (for tests).
type MockClient struct{}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	return nil
}
