package mesh

// Cipher is the end-to-end encryption boundary. Key exchange and cipher
// internals live outside this layer; the mesh only asks for a peer-scoped
// transform in each direction.
type Cipher interface {
	// Encrypt seals plaintext for the given peer.
	Encrypt(peerID string, plaintext []byte) ([]byte, error)
	// Decrypt opens ciphertext received from the given peer.
	Decrypt(peerID string, ciphertext []byte) ([]byte, error)
}

// TransferAnnounce describes an incoming file transfer before any chunks
// arrive. Chunk storage and hash verification belong to the collaborator
// behind TransferStore; only this envelope is the mesh's concern.
type TransferAnnounce struct {
	TransferID string
	FileName   string
	FileSize   int64
}

// TransferStore is the file-transfer collaborator boundary.
type TransferStore interface {
	// Announce registers a transfer so subsequent chunks can be applied.
	Announce(a TransferAnnounce) error
	// ApplyChunk verifies the chunk hash and stores the bytes. A non-nil
	// error is reported to the sender as a failed chunk.
	ApplyChunk(transferID string, index int, hash string, data []byte) error
}

// MessageStore persists chat messages. The mesh never reads messages back;
// history and display belong to the surrounding application.
type MessageStore interface {
	SaveMessage(msg *Message) error
}

// MessageListener is invoked for every message accepted by the chat stream
// handler. Listeners run with isolated error boundaries: a panic in one is
// logged and neither stops the remaining listeners nor blocks the ack.
type MessageListener func(msg *Message)
