package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/EnrollPipe/internal/models"
	"github.com/BTreeMap/EnrollPipe/internal/whatsapp"
)

// Constants for WhatsAppService configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for the inbound channel
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines how long a full inbound channel may block the event loop
	DefaultChannelTimeout = 1 * time.Second
	// DefaultDownloadTimeout bounds fetching inbound media
	DefaultDownloadTimeout = 30 * time.Second
)

// WhatsAppClient is the part of whatsapp.Client the service needs.
type WhatsAppClient interface {
	whatsapp.Sender
	DownloadImage(ctx context.Context, img *waE2E.ImageMessage) ([]byte, error)
	AddEventHandler(h func(evt any))
}

// WhatsAppService sends through the whatsmeow client and converts incoming
// WhatsApp messages into inbound envelopes.
type WhatsAppService struct {
	client  WhatsAppClient
	inbound chan models.InboundMessage

	mu  sync.RWMutex
	ctx context.Context
}

var _ PlatformSender = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping client.
func NewWhatsAppService(client WhatsAppClient) *WhatsAppService {
	return &WhatsAppService{
		client:  client,
		inbound: make(chan models.InboundMessage, DefaultChannelBufferSize),
		ctx:     context.Background(),
	}
}

// Start registers the event handler. Media downloads use ctx.
func (s *WhatsAppService) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.client.AddEventHandler(s.HandleEvent)
	slog.Debug("WhatsAppService.Start: event handler registered")
}

// Messages returns the channel of inbound envelopes.
func (s *WhatsAppService) Messages() <-chan models.InboundMessage {
	return s.inbound
}

// SendText sends a text message.
func (s *WhatsAppService) SendText(ctx context.Context, to, text string) error {
	return s.client.SendText(ctx, to, text)
}

// SendImage sends an image with an optional caption.
func (s *WhatsAppService) SendImage(ctx context.Context, to, caption string, data []byte, mimeType string) error {
	return s.client.SendImage(ctx, to, caption, data, mimeType)
}

// HandleEvent is the whatsmeow event callback.
func (s *WhatsAppService) HandleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.Connected:
		slog.Info("WhatsAppService.HandleEvent: connected")
	case *events.Disconnected:
		slog.Warn("WhatsAppService.HandleEvent: disconnected")
	case *events.LoggedOut:
		slog.Error("WhatsAppService.HandleEvent: logged out; a new QR login is required", "reason", v.Reason)
	}
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup || evt.Info.Chat.Server == types.BroadcastServer {
		return
	}

	msg := models.InboundMessage{
		Platform:  models.PlatformWhatsApp,
		SenderID:  evt.Info.Sender.User,
		MessageID: evt.Info.ID,
	}
	switch {
	case evt.Message.GetConversation() != "":
		msg.Text = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		msg.Text = evt.Message.GetExtendedTextMessage().GetText()
	case evt.Message.GetImageMessage() != nil:
		img := evt.Message.GetImageMessage()
		data, err := s.download(img)
		if err != nil {
			slog.Error("WhatsAppService.handleIncomingMessage: image download failed", "from", msg.SenderID, "messageID", msg.MessageID, "error", err)
			return
		}
		msg.Text = img.GetCaption()
		msg.Image = &models.Image{Data: data, MimeType: img.GetMimetype()}
	default:
		slog.Debug("WhatsAppService.handleIncomingMessage: ignoring unsupported message", "from", msg.SenderID)
		return
	}

	select {
	case s.inbound <- msg:
		slog.Debug("WhatsAppService.handleIncomingMessage: forwarded", "from", msg.SenderID, "messageID", msg.MessageID, "image", msg.HasImage())
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService.handleIncomingMessage: inbound channel blocked, dropping message", "from", msg.SenderID, "timeout", DefaultChannelTimeout)
	}
}

func (s *WhatsAppService) download(img *waE2E.ImageMessage) ([]byte, error) {
	s.mu.RLock()
	parent := s.ctx
	s.mu.RUnlock()
	ctx, cancel := context.WithTimeout(parent, DefaultDownloadTimeout)
	defer cancel()
	return s.client.DownloadImage(ctx, img)
}
