package protocol

import "encoding/json"

// Message is any typed protocol message.
type Message interface {
	MessageType() string
}

// Route holds the addressing fields shared by peer-to-peer messages.
// The relay overwrites Sender with the registered name of the originating connection.
type Route struct {
	Sender    string `json:"sender,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

// From returns the sender name.
func (r Route) From() string { return r.Sender }

// SetUsername claims a name on the relay.
type SetUsername struct {
	Username string `json:"username"`
}

func (SetUsername) MessageType() string { return TypeSetUsername }

// UsernameSet confirms a registration.
type UsernameSet struct {
	Username       string   `json:"username"`
	AvailableUsers []string `json:"availableUsers"`
}

func (UsernameSet) MessageType() string { return TypeUsernameSet }

// UsernameError rejects a registration.
type UsernameError struct {
	Message string `json:"message"`
}

func (UsernameError) MessageType() string { return TypeUsernameError }

// GetUsers asks the relay for the current roster.
type GetUsers struct{}

func (GetUsers) MessageType() string { return TypeGetUsers }

// UserList is the roster as seen by one identity (itself excluded).
type UserList struct {
	Users []string `json:"users"`
}

func (UserList) MessageType() string { return TypeUserList }

// FileInfo describes the announced file.
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// FileMetadata announces a transfer before any chunk.
type FileMetadata struct {
	Route
	File         FileInfo `json:"file"`
	TransferMode string   `json:"transferMode"`
	TransferID   string   `json:"transferId"`
}

func (FileMetadata) MessageType() string { return TypeFileMetadata }

// ChunkInfo carries one byte range of a file.
type ChunkInfo struct {
	Name   string `json:"name,omitempty"`
	Size   int64  `json:"size"`
	Offset int64  `json:"offset"`
	Data   Bytes  `json:"data"`
}

// FileChunk carries one chunk of a transfer.
type FileChunk struct {
	Route
	File       ChunkInfo `json:"file"`
	TransferID string    `json:"transferId"`
}

func (FileChunk) MessageType() string { return TypeFileChunk }

// FileComplete is the end-of-stream marker for a transfer.
type FileComplete struct {
	Route
	FileName   string `json:"fileName"`
	TransferID string `json:"transferId"`
}

func (FileComplete) MessageType() string { return TypeFileComplete }

// FileCancel aborts a transfer on the counterpart.
type FileCancel struct {
	Route
	TransferID string `json:"transferId"`
	Message    string `json:"message,omitempty"`
}

func (FileCancel) MessageType() string { return TypeFileCancel }

// Signal is an OFFER, ANSWER or ICE_CANDIDATE. Payload is opaque to the relay.
type Signal struct {
	Route
	Kind    string          `json:"-"`
	Payload json.RawMessage `json:"payload"`
}

func (s Signal) MessageType() string { return s.Kind }

// Error reports a failure to the immediate caller.
type Error struct {
	Message    string `json:"message"`
	TransferID string `json:"transferId,omitempty"`
}

func (Error) MessageType() string { return TypeError }

// TransferID returns the transfer correlation key of a transfer-scoped message.
func TransferID(msg Message) (string, bool) {
	switch m := msg.(type) {
	case *FileMetadata:
		return m.TransferID, true
	case *FileChunk:
		return m.TransferID, true
	case *FileComplete:
		return m.TransferID, true
	case *FileCancel:
		return m.TransferID, true
	default:
		return "", false
	}
}

// Addressable is implemented by messages that carry a recipient.
type Addressable interface {
	Message
	SetRecipient(name string)
}

// SetRecipient sets the recipient field.
func (r *Route) SetRecipient(name string) { r.Recipient = name }

// SetSender sets the sender field.
func (r *Route) SetSender(name string) { r.Sender = name }
