package mesh

import (
	"encoding/json"
	"fmt"
)

// Chat payload type values.
const (
	MessageTypeText   = "text"
	MessageTypeSystem = "system"

	payloadTypeInfoRequest  = "info_request"
	payloadTypeInfoResponse = "info_response"
	payloadTypeAck          = "ack"
)

// Message is one chat message as carried on the wire and handed to the
// message store and listeners. Once recorded, its id is immutable and
// never reused within a channel.
type Message struct {
	ID         string `json:"id"`
	ChannelID  string `json:"channel_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Type       string `json:"type"`
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp"`
	Encrypted  bool   `json:"encrypted"`

	FileMetadata json.RawMessage `json:"file_metadata,omitempty"`
	ThreadID     string          `json:"thread_id,omitempty"`
	ReplyTo      string          `json:"reply_to,omitempty"`
}

// Validate checks the fields every message must carry before it is
// persisted or dispatched.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if m.ChannelID == "" {
		return fmt.Errorf("message channel_id is required")
	}
	if m.SenderID == "" {
		return fmt.Errorf("message sender_id is required")
	}
	switch m.Type {
	case MessageTypeText, MessageTypeSystem:
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// infoRequest asks a peer for its display metadata.
type infoRequest struct {
	Type      string `json:"type"`
	PeerID    string `json:"peer_id"`
	Timestamp string `json:"timestamp"`
}

// infoResponse carries a peer's display metadata and public key.
type infoResponse struct {
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
	DeviceName  string `json:"device_name"`
	PublicKey   string `json:"public_key"`
}

// ackPayload confirms receipt of one message.
type ackPayload struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// fileHeader is the JSON line preceding optional raw bytes on the file
// protocol.
type fileHeader struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	FileName   string `json:"file_name,omitempty"`
	FileSize   int64  `json:"file_size,omitempty"`
	ChunkIndex int    `json:"chunk_index,omitempty"`
	ChunkHash  string `json:"chunk_hash,omitempty"`
}

// File protocol header type values.
const (
	fileTypeAnnounce = "transfer_announce"
	fileTypeChunk    = "chunk"
)

// fileStatus is the single response written on every file protocol path.
type fileStatus struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	TransferID string `json:"transfer_id,omitempty"`
	ChunkIndex int    `json:"chunk_index,omitempty"`
}

const (
	statusOK    = "ok"
	statusError = "error"
)
