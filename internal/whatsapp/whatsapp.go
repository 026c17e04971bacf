// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in EnrollPipe.
//
// It provides methods for sending text and images, downloading inbound media,
// and subscribing to WhatsApp events.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/BTreeMap/EnrollPipe/internal/store"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for WhatsApp/whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/enrollpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

var (
	// ErrNotConnected is returned when the client has no usable session.
	ErrNotConnected = errors.New("whatsapp client not initialized")
	// ErrEmptyRecipient is returned when no recipient is given.
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
)

// Sender sends WhatsApp messages. It is implemented by Client and by test doubles.
type Sender interface {
	SendText(ctx context.Context, to, body string) error
	SendImage(ctx context.Context, to, caption string, data []byte, mimeType string) error
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // WhatsApp/whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the WhatsApp/whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the WhatsApp client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the WhatsApp client to print the raw pairing code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the Whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

var _ Sender = (*Client)(nil)

// driverFor picks the database/sql driver whatsmeow should use for dsn.
func driverFor(dsn string) string {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres"
	}
	return "sqlite3"
}

// missingForeignKeys reports whether a SQLite session DSN leaves foreign keys off.
func missingForeignKeys(dsn string) bool {
	return driverFor(dsn) == "sqlite3" && !strings.Contains(dsn, "foreign_keys")
}

// NewClient creates a new WhatsApp client, logging in with a QR code when no
// session is stored yet.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("whatsapp.NewClient: options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("whatsapp.NewClient: using default SQLite path", "default_path", dbDSN)
	}

	dbDriver := driverFor(dbDSN)
	if missingForeignKeys(dbDSN) {
		slog.Warn("whatsapp.NewClient: SQLite session store without foreign keys; whatsmeow recommends enabling them",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	logger := waLog.Stdout("Database", "INFO", true)
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, logger)
	if err != nil {
		slog.Error("whatsapp.NewClient: failed to initialize session store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("whatsapp.NewClient: failed to get device", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID == nil {
		slog.Info("whatsapp.NewClient: login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(ctx)
		if err := waClient.Connect(); err != nil {
			slog.Error("whatsapp.NewClient: connect during login failed", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event != "code" {
				slog.Info("whatsapp.NewClient: login event", "event", evt.Event)
				continue
			}
			if cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
		}
	} else if err := waClient.Connect(); err != nil {
		slog.Error("whatsapp.NewClient: connect failed", "error", err)
		return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	slog.Info("whatsapp.NewClient: connected")
	return &Client{waClient: waClient}, nil
}

func (c *Client) ready(to string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return ErrNotConnected
	}
	if to == "" {
		return ErrEmptyRecipient
	}
	return nil
}

// JID returns the user JID for a phone number or bare WhatsApp user id.
func JID(to string) types.JID {
	if strings.Contains(to, "@") {
		if jid, err := types.ParseJID(to); err == nil {
			return jid
		}
	}
	return types.NewJID(strings.TrimPrefix(to, "+"), JIDSuffix)
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, to, body string) error {
	if err := c.ready(to); err != nil {
		return err
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	slog.Debug("Client.SendText: sending", "to", to, "body_length", len(body))
	if _, err := c.waClient.SendMessage(ctx, JID(to), &waE2E.Message{Conversation: proto.String(body)}); err != nil {
		slog.Error("Client.SendText: send failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	return nil
}

// SendImage uploads data to the WhatsApp media servers and sends it with an
// optional caption. An empty mimeType is sniffed from the bytes.
func (c *Client) SendImage(ctx context.Context, to, caption string, data []byte, mimeType string) error {
	if err := c.ready(to); err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("image cannot be empty")
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	up, err := c.waClient.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		slog.Error("Client.SendImage: upload failed", "to", to, "error", err)
		return fmt.Errorf("failed to upload image for %s: %w", to, err)
	}
	img := &waE2E.ImageMessage{
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		Mimetype:      proto.String(mimeType),
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}
	if caption != "" {
		img.Caption = proto.String(caption)
	}
	if _, err := c.waClient.SendMessage(ctx, JID(to), &waE2E.Message{ImageMessage: img}); err != nil {
		slog.Error("Client.SendImage: send failed", "to", to, "error", err)
		return fmt.Errorf("failed to send image to %s: %w", to, err)
	}
	slog.Debug("Client.SendImage: sent", "to", to, "bytes", len(data))
	return nil
}

// DownloadImage fetches and decrypts the media referenced by an inbound image message.
func (c *Client) DownloadImage(ctx context.Context, img *waE2E.ImageMessage) ([]byte, error) {
	if c.waClient == nil {
		return nil, ErrNotConnected
	}
	data, err := c.waClient.Download(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	return data, nil
}

// AddEventHandler registers h for every event the connection emits.
func (c *Client) AddEventHandler(h func(evt any)) {
	if c.waClient != nil {
		c.waClient.AddEventHandler(h)
	}
}

// Disconnect closes the connection to the WhatsApp servers.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}
