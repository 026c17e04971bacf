package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/BTreeMap/EnrollPipe/internal/models"
)

type fakeWhatsApp struct {
	fakePlatform
	image       []byte
	downloadErr error
	handler     func(any)
}

func (f *fakeWhatsApp) DownloadImage(ctx context.Context, img *waE2E.ImageMessage) ([]byte, error) {
	return f.image, f.downloadErr
}

func (f *fakeWhatsApp) AddEventHandler(h func(evt any)) {
	f.handler = h
}

func incoming(id string, msg *waE2E.Message) *events.Message {
	sender := types.NewJID("5216141234567", types.DefaultUserServer)
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Sender: sender, Chat: sender},
			ID:            id,
		},
		Message: msg,
	}
}

func receive(t *testing.T, s *WhatsAppService) (models.InboundMessage, bool) {
	t.Helper()
	select {
	case m := <-s.Messages():
		return m, true
	case <-time.After(50 * time.Millisecond):
		return models.InboundMessage{}, false
	}
}

func TestWhatsAppServiceText(t *testing.T) {
	client := &fakeWhatsApp{}
	s := NewWhatsAppService(client)
	s.Start(context.Background())
	require.NotNil(t, client.handler)

	client.handler(incoming("A1", &waE2E.Message{Conversation: proto.String("Quiero inscribirme")}))
	m, ok := receive(t, s)
	require.True(t, ok)
	assert.Equal(t, models.InboundMessage{
		Platform:  models.PlatformWhatsApp,
		SenderID:  "5216141234567",
		MessageID: "A1",
		Text:      "Quiero inscribirme",
	}, m)

	client.handler(incoming("A2", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("hola")}}))
	m, ok = receive(t, s)
	require.True(t, ok)
	assert.Equal(t, "hola", m.Text)
}

func TestWhatsAppServiceImage(t *testing.T) {
	client := &fakeWhatsApp{image: []byte{0xff, 0xd8, 0xff}}
	s := NewWhatsAppService(client)
	s.HandleEvent(incoming("B1", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
		Mimetype: proto.String("image/jpeg"),
		Caption:  proto.String("mi INE"),
	}}))

	m, ok := receive(t, s)
	require.True(t, ok)
	require.True(t, m.HasImage())
	assert.Equal(t, "image/jpeg", m.Image.MimeType)
	assert.Equal(t, "mi INE", m.Text)
}

func TestWhatsAppServiceSkips(t *testing.T) {
	client := &fakeWhatsApp{downloadErr: errors.New("media expired")}
	s := NewWhatsAppService(client)

	fromMe := incoming("C1", &waE2E.Message{Conversation: proto.String("eco")})
	fromMe.Info.IsFromMe = true
	group := incoming("C2", &waE2E.Message{Conversation: proto.String("grupo")})
	group.Info.IsGroup = true

	s.HandleEvent(fromMe)
	s.HandleEvent(group)
	s.HandleEvent(incoming("C3", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}))
	s.HandleEvent(incoming("C4", &waE2E.Message{}))
	s.HandleEvent(&events.Connected{})

	_, ok := receive(t, s)
	assert.False(t, ok)
}

func TestWhatsAppServiceSendDelegates(t *testing.T) {
	client := &fakeWhatsApp{}
	s := NewWhatsAppService(client)
	require.NoError(t, s.SendText(context.Background(), "521", "hola"))
	require.NoError(t, s.SendImage(context.Background(), "521", "", []byte{1}, "image/png"))
	assert.Equal(t, []string{"521:hola"}, client.texts)
	assert.Len(t, client.images, 1)
}
