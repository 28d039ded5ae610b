package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	// maxFilePayload bounds one file protocol exchange: a JSON header
	// line plus at most one raw chunk.
	maxFilePayload = 4<<20 + 64<<10

	// fileStreamTimeout bounds one inbound file exchange end to end.
	fileStreamTimeout = 60 * time.Second
)

// handleFileStream serves one inbound file protocol stream: a JSON header
// up to the first newline, optionally followed by raw chunk bytes. Every
// path resolves to a written status response; nothing raises out of the
// handler.
func (m *Mesh) handleFileStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()

	_ = s.SetDeadline(time.Now().Add(fileStreamTimeout))

	data, err := io.ReadAll(io.LimitReader(s, maxFilePayload))
	if err != nil {
		m.writeFileError(s, fmt.Sprintf("read stream: %v", err))
		return
	}

	headerBytes, body := splitHeader(data)

	var hdr fileHeader
	if err := json.Unmarshal(headerBytes, &hdr); err != nil {
		slog.Debug("file: malformed header",
			"peer", shortID(remote), "error", err)
		m.writeFileError(s, fmt.Sprintf("invalid header: %v", err))
		return
	}

	switch hdr.Type {
	case fileTypeAnnounce:
		m.handleTransferAnnounce(s, remote, hdr)
	case fileTypeChunk:
		m.handleChunk(s, remote, hdr, body)
	default:
		m.writeFileError(s, "unknown message type: "+hdr.Type)
	}
}

func (m *Mesh) handleTransferAnnounce(s network.Stream, remote peer.ID, hdr fileHeader) {
	if m.transfers == nil {
		m.writeFileError(s, "no transfer store configured")
		return
	}

	err := m.transfers.Announce(TransferAnnounce{
		TransferID: hdr.TransferID,
		FileName:   hdr.FileName,
		FileSize:   hdr.FileSize,
	})
	if err != nil {
		slog.Warn("file: transfer announce rejected",
			"peer", shortID(remote), "transfer", hdr.TransferID, "error", err)
		m.writeFileError(s, err.Error())
		return
	}

	slog.Info("file: transfer announced",
		"peer", shortID(remote),
		"transfer", hdr.TransferID,
		"name", hdr.FileName,
		"size", hdr.FileSize)
	m.writeFileStatus(s, fileStatus{Status: statusOK, TransferID: hdr.TransferID})
}

func (m *Mesh) handleChunk(s network.Stream, remote peer.ID, hdr fileHeader, body []byte) {
	if m.transfers == nil {
		m.writeFileError(s, "no transfer store configured")
		return
	}

	err := m.transfers.ApplyChunk(hdr.TransferID, hdr.ChunkIndex, hdr.ChunkHash, body)
	if err != nil {
		slog.Warn("file: chunk rejected",
			"peer", shortID(remote),
			"transfer", hdr.TransferID,
			"chunk", hdr.ChunkIndex,
			"error", err)
		m.writeFileError(s, err.Error())
		return
	}

	m.writeFileStatus(s, fileStatus{
		Status:     statusOK,
		TransferID: hdr.TransferID,
		ChunkIndex: hdr.ChunkIndex,
	})
}

func (m *Mesh) writeFileError(s network.Stream, description string) {
	m.metrics.incFileStream("error")
	m.writeFileStatusRaw(s, fileStatus{Status: statusError, Error: description})
}

func (m *Mesh) writeFileStatus(s network.Stream, status fileStatus) {
	m.metrics.incFileStream("ok")
	m.writeFileStatusRaw(s, status)
}

func (m *Mesh) writeFileStatusRaw(s network.Stream, status fileStatus) {
	if err := json.NewEncoder(s).Encode(&status); err != nil {
		slog.Debug("file: write status failed", "error", err)
	}
}

// splitHeader separates the JSON header from trailing raw bytes at the
// first newline. Streams carrying only a header have no body.
func splitHeader(data []byte) (header, body []byte) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return data[:i], data[i+1:]
	}
	return data, nil
}

// AnnounceTransfer tells a peer about an upcoming file transfer.
func (m *Mesh) AnnounceTransfer(ctx context.Context, peerID string, a TransferAnnounce) error {
	hdr := fileHeader{
		Type:       fileTypeAnnounce,
		TransferID: a.TransferID,
		FileName:   a.FileName,
		FileSize:   a.FileSize,
	}
	_, err := m.fileRoundTrip(ctx, peerID, hdr, nil)
	return err
}

// SendChunk delivers one verified chunk to a peer and returns an error if
// the receiving side reports a hash mismatch or storage failure.
func (m *Mesh) SendChunk(ctx context.Context, peerID, transferID string, index int, hash string, data []byte) error {
	hdr := fileHeader{
		Type:       fileTypeChunk,
		TransferID: transferID,
		ChunkIndex: index,
		ChunkHash:  hash,
	}
	_, err := m.fileRoundTrip(ctx, peerID, hdr, data)
	return err
}

// fileRoundTrip opens a file protocol stream, writes header (+ optional
// body), half-closes, and reads the single status response.
func (m *Mesh) fileRoundTrip(ctx context.Context, peerID string, hdr fileHeader, body []byte) (*fileStatus, error) {
	h := m.Host()
	if h == nil {
		return nil, ErrNotRunning
	}

	pid, err := peer.Decode(peerID)
	if err != nil {
		return nil, fmt.Errorf("invalid peer id %q: %w", peerID, err)
	}

	s, err := h.NewStream(ctx, pid, FileProtocolID)
	if err != nil {
		return nil, fmt.Errorf("open file stream to %s: %w", shortID(pid), err)
	}
	defer s.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	headerBytes, err := json.Marshal(&hdr)
	if err != nil {
		return nil, fmt.Errorf("marshal file header: %w", err)
	}
	payload := append(headerBytes, '\n')
	payload = append(payload, body...)

	if _, err := s.Write(payload); err != nil {
		return nil, fmt.Errorf("write file payload: %w", err)
	}
	// Half-close so the handler's read sees EOF and processes the
	// exchange.
	if err := s.CloseWrite(); err != nil {
		return nil, fmt.Errorf("close write side: %w", err)
	}

	var status fileStatus
	if err := json.NewDecoder(io.LimitReader(s, maxChatPayload)).Decode(&status); err != nil {
		return nil, fmt.Errorf("read file status: %w", err)
	}
	if status.Status != statusOK {
		return &status, fmt.Errorf("peer rejected %s: %s", hdr.Type, status.Error)
	}
	return &status, nil
}
