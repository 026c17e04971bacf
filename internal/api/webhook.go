package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/EnrollPipe/internal/messaging"
	"github.com/BTreeMap/EnrollPipe/internal/models"
)

const signatureHeader = "X-Hub-Signature-256"

// metaVerifyHandler answers the subscription handshake Meta performs when the
// webhook is configured.
func (s *Server) metaVerifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode, token, challenge := q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge")
	if mode != "subscribe" || s.opts.VerifyToken == "" ||
		!hmac.Equal([]byte(token), []byte(s.opts.VerifyToken)) {
		slog.Warn("Server.metaVerifyHandler: verification rejected", "mode", mode)
		w.WriteHeader(http.StatusForbidden)
		return
	}
	slog.Info("Server.metaVerifyHandler: webhook verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

// validSignature checks the sha256 HMAC Meta computes over the raw body with
// the app secret.
func validSignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// metaEventHandler acknowledges a webhook delivery and dispatches its events.
func (s *Server) metaEventHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		slog.Warn("Server.metaEventHandler: read body failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid body"))
		return
	}
	if s.opts.AppSecret != "" && !validSignature(s.opts.AppSecret, body, r.Header.Get(signatureHeader)) {
		slog.Warn("Server.metaEventHandler: bad signature")
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Invalid signature"))
		return
	}

	events, err := messaging.ParseMetaWebhook(body)
	switch {
	case errors.Is(err, messaging.ErrUnknownWebhookObject):
		slog.Warn("Server.metaEventHandler: unsupported object", "error", err)
		writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
		return
	case err != nil:
		slog.Warn("Server.metaEventHandler: invalid payload", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	for _, ev := range events {
		s.dispatch(ev)
	}
	slog.Debug("Server.metaEventHandler: accepted", "events", len(events))
	writeJSONResponse(w, http.StatusOK, models.Accepted(len(events)))
}

// dispatch resolves ev into an envelope and queues it for processing without
// holding up the webhook response.
func (s *Server) dispatch(ev messaging.MetaEvent) {
	if s.baseCtx.Err() != nil {
		slog.Warn("Server.dispatch: server closing, event dropped", "senderID", ev.SenderID, "messageID", ev.MessageID)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.baseCtx, s.opts.DispatchTimeout)
		defer cancel()

		msg, err := s.opts.Meta.Inbound(ctx, ev)
		if err != nil {
			slog.Error("Server.dispatch: could not build inbound message", "platform", ev.Platform, "senderID", ev.SenderID, "messageID", ev.MessageID, "error", err)
			return
		}
		select {
		case s.inbound <- msg:
		case <-ctx.Done():
			slog.Error("Server.dispatch: inbound queue full, event dropped", "platform", ev.Platform, "senderID", ev.SenderID, "error", ctx.Err())
		}
	}()
}
