package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/lanmesh/lanmesh/internal/peerstore"
)

const (
	// maxChatPayload bounds a single chat protocol payload.
	maxChatPayload = 1 << 20

	// chatStreamTimeout bounds one inbound chat exchange end to end.
	chatStreamTimeout = 30 * time.Second
)

// handleChatStream serves one inbound chat protocol stream. Every stream
// carries exactly one logical exchange and is closed on every exit path.
func (m *Mesh) handleChatStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()

	_ = s.SetDeadline(time.Now().Add(chatStreamTimeout))

	var raw json.RawMessage
	if err := json.NewDecoder(io.LimitReader(s, maxChatPayload)).Decode(&raw); err != nil {
		// Best effort: close without responding, the sender may retry
		// on a new stream.
		slog.Debug("chat: read payload failed",
			"peer", shortID(remote), "error", err)
		m.metrics.incChatStream("rejected")
		return
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		slog.Debug("chat: malformed payload",
			"peer", shortID(remote), "error", err)
		m.metrics.incChatStream("rejected")
		return
	}

	switch probe.Type {
	case payloadTypeInfoRequest:
		m.metrics.incChatStream("info_request")
		m.writeInfoResponse(s)
	default:
		m.handleInboundMessage(s, remote, raw)
	}
}

// writeInfoResponse answers an info_request with this node's display
// metadata. Internal errors while preparing the payload degrade to
// placeholder fields; exactly one info_response is written regardless.
func (m *Mesh) writeInfoResponse(s network.Stream) {
	resp := infoResponse{
		Type:      payloadTypeInfoResponse,
		PublicKey: m.pubKeyHex,
	}

	selfID := m.selfID.String()
	if self, err := m.store.Get(selfID); err != nil {
		slog.Warn("chat: load self row for info response failed", "error", err)
		resp.DisplayName = peerstore.PlaceholderName(selfID)
	} else {
		resp.DisplayName = self.DisplayName
		resp.DeviceName = self.DeviceName
		if self.PublicKey != "" {
			resp.PublicKey = self.PublicKey
		}
	}

	if err := json.NewEncoder(s).Encode(&resp); err != nil {
		slog.Debug("chat: write info response failed", "error", err)
	}
}

// handleInboundMessage validates, decrypts, persists, and dispatches one
// chat message, then acks it.
func (m *Mesh) handleInboundMessage(s network.Stream, remote peer.ID, raw json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		slog.Debug("chat: malformed message",
			"peer", shortID(remote), "error", err)
		m.metrics.incChatStream("rejected")
		return
	}
	if err := msg.Validate(); err != nil {
		slog.Debug("chat: invalid message",
			"peer", shortID(remote), "error", err)
		m.metrics.incChatStream("rejected")
		return
	}

	if msg.Encrypted {
		m.decryptInPlace(remote, &msg)
	}

	if m.messages != nil {
		if err := m.messages.SaveMessage(&msg); err != nil {
			slog.Error("chat: persist message failed",
				"message", msg.ID, "error", err)
		}
	}

	m.dispatchToListeners(&msg)

	ack := ackPayload{Type: payloadTypeAck, MessageID: msg.ID}
	if err := json.NewEncoder(s).Encode(&ack); err != nil {
		slog.Debug("chat: write ack failed",
			"peer", shortID(remote), "error", err)
	}

	m.touchChannel(msg.ChannelID)
	m.metrics.incChatStream("message")
}

// decryptInPlace attempts decryption via the E2E collaborator. Failure is
// logged and the content left opaque; it never propagates.
func (m *Mesh) decryptInPlace(remote peer.ID, msg *Message) {
	if m.cipher == nil {
		slog.Debug("chat: encrypted message but no cipher configured",
			"message", msg.ID)
		return
	}
	plain, err := m.cipher.Decrypt(remote.String(), []byte(msg.Content))
	if err != nil {
		slog.Warn("chat: decrypt failed, keeping content opaque",
			"message", msg.ID, "error", err)
		return
	}
	msg.Content = string(plain)
	msg.Encrypted = false
}

// dispatchToListeners invokes every registered listener with an isolated
// error boundary: a panicking listener is logged and neither stops the
// remaining listeners nor blocks the ack.
func (m *Mesh) dispatchToListeners(msg *Message) {
	m.listenerMu.RLock()
	listeners := append([]MessageListener(nil), m.listeners...)
	m.listenerMu.RUnlock()

	for i, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("chat: message listener panicked",
						"listener", i, "message", msg.ID, "panic", r)
					m.metrics.incListenerPanic()
				}
			}()
			l(msg)
		}()
	}
}

// RequestPeerInfo performs one outbound info exchange: it opens a chat
// stream to the peer, sends an info_request, and records the returned
// display metadata and public key in the peer store. Callers treat
// failures as best-effort enrichment misses.
func (m *Mesh) RequestPeerInfo(ctx context.Context, peerID string) error {
	h := m.Host()
	if h == nil {
		return ErrNotRunning
	}

	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("invalid peer id %q: %w", peerID, err)
	}

	s, err := h.NewStream(ctx, pid, ChatProtocolID)
	if err != nil {
		return fmt.Errorf("open chat stream to %s: %w", shortID(pid), err)
	}
	defer s.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	req := infoRequest{
		Type:      payloadTypeInfoRequest,
		PeerID:    m.selfID.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := json.NewEncoder(s).Encode(&req); err != nil {
		return fmt.Errorf("send info request: %w", err)
	}

	var resp infoResponse
	if err := json.NewDecoder(io.LimitReader(s, maxChatPayload)).Decode(&resp); err != nil {
		return fmt.Errorf("read info response: %w", err)
	}
	if resp.Type != payloadTypeInfoResponse {
		return fmt.Errorf("unexpected response type %q", resp.Type)
	}

	if err := m.store.SetInfo(peerID, resp.DisplayName, resp.DeviceName, resp.PublicKey); err != nil {
		return fmt.Errorf("record peer info: %w", err)
	}

	slog.Debug("chat: peer info exchanged",
		"peer", shortID(pid), "display_name", resp.DisplayName)
	return nil
}

// SendMessage delivers one chat message to a peer over a fresh stream and
// waits for the ack. Missing id, timestamp, and sender fields are filled
// from this node's identity; content is encrypted when a cipher is
// configured.
func (m *Mesh) SendMessage(ctx context.Context, peerID string, msg *Message) error {
	h := m.Host()
	if h == nil {
		return ErrNotRunning
	}

	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("invalid peer id %q: %w", peerID, err)
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if msg.Type == "" {
		msg.Type = MessageTypeText
	}
	if msg.SenderID == "" {
		msg.SenderID = m.selfID.String()
	}
	if msg.SenderName == "" {
		if self, err := m.store.Get(m.selfID.String()); err == nil {
			msg.SenderName = self.DisplayName
		}
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	wire := *msg
	if m.cipher != nil {
		sealed, err := m.cipher.Encrypt(peerID, []byte(wire.Content))
		if err != nil {
			return fmt.Errorf("encrypt message %s: %w", msg.ID, err)
		}
		wire.Content = string(sealed)
		wire.Encrypted = true
	}

	s, err := h.NewStream(ctx, pid, ChatProtocolID)
	if err != nil {
		return fmt.Errorf("open chat stream to %s: %w", shortID(pid), err)
	}
	defer s.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	if err := json.NewEncoder(s).Encode(&wire); err != nil {
		return fmt.Errorf("send message %s: %w", msg.ID, err)
	}

	var ack ackPayload
	if err := json.NewDecoder(io.LimitReader(s, maxChatPayload)).Decode(&ack); err != nil {
		return fmt.Errorf("read ack for %s: %w", msg.ID, err)
	}
	if ack.Type != payloadTypeAck || ack.MessageID != msg.ID {
		return ErrNoAck
	}

	m.touchChannel(msg.ChannelID)
	return nil
}
