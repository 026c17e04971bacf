// Package messaging routes outbound messages to the platform a user writes from
// and turns platform events into models.InboundMessage envelopes.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strings"

	"github.com/BTreeMap/EnrollPipe/internal/metrics"
	"github.com/BTreeMap/EnrollPipe/internal/models"
)

// ErrUnsupportedPlatform is returned when no sender is registered for a platform.
var ErrUnsupportedPlatform = errors.New("no sender registered for platform")

// PlatformSender delivers messages on a single platform.
type PlatformSender interface {
	SendText(ctx context.Context, to, text string) error
	SendImage(ctx context.Context, to, caption string, data []byte, mimeType string) error
}

// Gateway sends text and images to a user on any platform.
type Gateway interface {
	SendText(ctx context.Context, platform models.Platform, to, text string) error
	SendImage(ctx context.Context, platform models.Platform, to, caption string, data []byte, filename string) error
}

// Router implements Gateway by dispatching on the platform.
type Router struct {
	senders map[models.Platform]PlatformSender
	metrics *metrics.Metrics
}

var _ Gateway = (*Router)(nil)

// NewRouter creates an empty router. m may be nil.
func NewRouter(m *metrics.Metrics) *Router {
	return &Router{senders: make(map[models.Platform]PlatformSender), metrics: m}
}

// Register routes every listed platform to s.
func (r *Router) Register(s PlatformSender, platforms ...models.Platform) {
	for _, p := range platforms {
		r.senders[p] = s
		slog.Debug("Router.Register: sender registered", "platform", p)
	}
}

func (r *Router) sender(platform models.Platform) (PlatformSender, error) {
	s, ok := r.senders[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, platform)
	}
	return s, nil
}

// SendText sends a text message.
func (r *Router) SendText(ctx context.Context, platform models.Platform, to, text string) error {
	s, err := r.sender(platform)
	if err == nil {
		err = s.SendText(ctx, to, text)
	}
	r.metrics.IncrementOutbound(string(platform), err)
	if err != nil {
		slog.Error("Router.SendText: delivery failed", "platform", platform, "to", to, "error", err)
	}
	return err
}

// SendImage sends an image. The MIME type is derived from filename, falling
// back to sniffing the bytes.
func (r *Router) SendImage(ctx context.Context, platform models.Platform, to, caption string, data []byte, filename string) error {
	s, err := r.sender(platform)
	if err == nil {
		err = s.SendImage(ctx, to, caption, data, imageMimeType(filename, data))
	}
	r.metrics.IncrementOutbound(string(platform), err)
	if err != nil {
		slog.Error("Router.SendImage: delivery failed", "platform", platform, "to", to, "filename", filename, "error", err)
	}
	return err
}

var imageExtTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
}

func imageMimeType(filename string, data []byte) string {
	if t, ok := imageExtTypes[strings.ToLower(path.Ext(filename))]; ok {
		return t
	}
	return http.DetectContentType(data)
}

var nonDigits = regexp.MustCompile(`\D`)

// CanonicalPhone strips everything but digits from a phone number and rejects
// numbers shorter than six digits.
func CanonicalPhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := nonDigits.ReplaceAllString(recipient, "")
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number %q: at least 6 digits required", recipient)
	}
	return canonical, nil
}
