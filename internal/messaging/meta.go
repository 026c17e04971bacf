package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"github.com/BTreeMap/EnrollPipe/internal/models"
)

const (
	// DefaultGraphURL is the Meta Graph API base including the version.
	DefaultGraphURL = "https://graph.facebook.com/v21.0"
	// MaxAttachmentBytes caps inbound attachment downloads.
	MaxAttachmentBytes = 16 << 20
)

// ErrMissingPageToken is returned when the Meta client has no access token.
var ErrMissingPageToken = errors.New("meta page access token not set")

// MetaOpts holds configuration for the Meta Send API client.
type MetaOpts struct {
	PageToken  string
	GraphURL   string
	HTTPClient *http.Client
}

// MetaOption defines a configuration option for the Meta client.
type MetaOption func(*MetaOpts)

// WithPageToken sets the page access token used for the Send API.
func WithPageToken(token string) MetaOption {
	return func(o *MetaOpts) { o.PageToken = token }
}

// WithGraphURL overrides the Graph API base URL.
func WithGraphURL(u string) MetaOption {
	return func(o *MetaOpts) { o.GraphURL = u }
}

// WithHTTPClient sets the HTTP client used for every call.
func WithHTTPClient(c *http.Client) MetaOption {
	return func(o *MetaOpts) { o.HTTPClient = c }
}

// MetaClient sends Facebook Messenger and Instagram messages through the Graph
// Send API and downloads inbound attachments.
type MetaClient struct {
	token   string
	baseURL string
	http    *http.Client
}

var _ PlatformSender = (*MetaClient)(nil)

// NewMetaClient creates a Meta client.
func NewMetaClient(opts ...MetaOption) (*MetaClient, error) {
	cfg := MetaOpts{GraphURL: DefaultGraphURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PageToken == "" {
		return nil, ErrMissingPageToken
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &MetaClient{token: cfg.PageToken, baseURL: cfg.GraphURL, http: cfg.HTTPClient}, nil
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (c *MetaClient) messagesURL() string {
	return c.baseURL + "/me/messages?access_token=" + url.QueryEscape(c.token)
}

// SendText sends a text reply to a page-scoped user id.
func (c *MetaClient) SendText(ctx context.Context, to, text string) error {
	body, err := json.Marshal(map[string]any{
		"recipient":      map[string]string{"id": to},
		"messaging_type": "RESPONSE",
		"message":        map[string]string{"text": text},
	})
	if err != nil {
		return fmt.Errorf("encode meta message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, to)
}

// SendImage uploads data as an image attachment. Meta does not support
// captions, so a non-empty caption is sent as a text message first.
func (c *MetaClient) SendImage(ctx context.Context, to, caption string, data []byte, mimeType string) error {
	if caption != "" {
		if err := c.SendText(ctx, to, caption); err != nil {
			return err
		}
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	recipient, _ := json.Marshal(map[string]string{"id": to})
	message, _ := json.Marshal(map[string]any{
		"attachment": map[string]any{"type": "image", "payload": map[string]bool{"is_reusable": false}},
	})
	_ = w.WriteField("recipient", string(recipient))
	_ = w.WriteField("message", string(message))
	_ = w.WriteField("messaging_type", "RESPONSE")
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="filedata"; filename="image"`)
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("build meta upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("build meta upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("build meta upload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL(), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req, to)
}

func (c *MetaClient) do(req *http.Request, to string) error {
	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("MetaClient.do: request failed", "to", to, "error", err)
		return fmt.Errorf("meta send to %s: %w", to, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		io.Copy(io.Discard, resp.Body)
		slog.Debug("MetaClient.do: message sent", "to", to)
		return nil
	}
	var ge graphError
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &ge) == nil && ge.Error.Message != "" {
		return fmt.Errorf("meta send to %s: %s (code %d, status %d)", to, ge.Error.Message, ge.Error.Code, resp.StatusCode)
	}
	return fmt.Errorf("meta send to %s: unexpected status %d", to, resp.StatusCode)
}

// DownloadAttachment fetches an inbound attachment URL.
func (c *MetaClient) DownloadAttachment(ctx context.Context, attachmentURL string) (*models.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, attachmentURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download attachment: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxAttachmentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	if len(data) > MaxAttachmentBytes {
		return nil, fmt.Errorf("download attachment: larger than %d bytes", MaxAttachmentBytes)
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	return &models.Image{Data: data, MimeType: mimeType}, nil
}

// MetaEvent is one user message from a Messenger or Instagram webhook.
type MetaEvent struct {
	Platform  models.Platform
	SenderID  string
	MessageID string
	Text      string
	ImageURL  string
}

type metaWebhook struct {
	Object string `json:"object"`
	Entry  []struct {
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Message *struct {
				MID         string `json:"mid"`
				Text        string `json:"text"`
				IsEcho      bool   `json:"is_echo"`
				Attachments []struct {
					Type    string `json:"type"`
					Payload struct {
						URL string `json:"url"`
					} `json:"payload"`
				} `json:"attachments"`
			} `json:"message"`
		} `json:"messaging"`
	} `json:"entry"`
}

// ErrUnknownWebhookObject is returned for webhooks that are neither page nor instagram.
var ErrUnknownWebhookObject = errors.New("unsupported webhook object")

// ParseMetaWebhook extracts user messages from a webhook body. Echoes of the
// page's own messages and events without a message are skipped.
func ParseMetaWebhook(body []byte) ([]MetaEvent, error) {
	var wh metaWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, fmt.Errorf("decode meta webhook: %w", err)
	}
	var platform models.Platform
	switch wh.Object {
	case "page":
		platform = models.PlatformFacebook
	case "instagram":
		platform = models.PlatformInstagram
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownWebhookObject, wh.Object)
	}

	var out []MetaEvent
	for _, entry := range wh.Entry {
		for _, m := range entry.Messaging {
			if m.Message == nil || m.Message.IsEcho || m.Sender.ID == "" {
				continue
			}
			ev := MetaEvent{Platform: platform, SenderID: m.Sender.ID, MessageID: m.Message.MID, Text: m.Message.Text}
			for _, a := range m.Message.Attachments {
				if a.Type == "image" && a.Payload.URL != "" {
					ev.ImageURL = a.Payload.URL
					break
				}
			}
			if ev.Text == "" && ev.ImageURL == "" {
				continue
			}
			out = append(out, ev)
		}
	}
	return out, nil
}

// Inbound converts a webhook event into an envelope, downloading its image.
func (c *MetaClient) Inbound(ctx context.Context, ev MetaEvent) (models.InboundMessage, error) {
	msg := models.InboundMessage{Platform: ev.Platform, SenderID: ev.SenderID, MessageID: ev.MessageID, Text: ev.Text}
	if ev.ImageURL != "" {
		img, err := c.DownloadAttachment(ctx, ev.ImageURL)
		if err != nil {
			return msg, err
		}
		msg.Image = img
	}
	return msg, nil
}
