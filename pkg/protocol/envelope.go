package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrMalformedMessage is returned for input that is not a valid protocol message.
var ErrMalformedMessage = errors.New("malformed message")

// Envelope is the relay's view of a message: the routing header plus the
// untouched remainder. Fields other than sender are forwarded byte for byte.
type Envelope struct {
	Type      string
	Sender    string
	Recipient string

	fields map[string]json.RawMessage
}

// ParseEnvelope decodes the routing header of a raw message.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedMessage)
	}

	env := &Envelope{fields: fields}
	var err error
	if env.Type, err = stringField(fields, "type"); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: type is required", ErrMalformedMessage)
	}
	if env.Sender, err = stringField(fields, "sender"); err != nil {
		return nil, err
	}
	if env.Recipient, err = stringField(fields, "recipient"); err != nil {
		return nil, err
	}
	return env, nil
}

func stringField(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: field %q must be a string", ErrMalformedMessage, key)
	}
	return s, nil
}

// Stamp overwrites the sender field.
func (e *Envelope) Stamp(sender string) {
	e.Sender = sender
	raw, _ := json.Marshal(sender)
	e.fields["sender"] = raw
}

// TransferID returns the transferId field if present.
func (e *Envelope) TransferID() string {
	id, _ := stringField(e.fields, "transferId")
	return id
}

// MarshalJSON re-encodes the envelope with all original fields.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.fields)
}

// Message decodes the envelope into its typed form.
func (e *Envelope) Message() (Message, error) {
	data, err := e.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Encode marshals a typed message and prefixes its type field.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.MessageType(), err)
	}
	typ, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body)+len(typ)+10)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Decode parses a raw message into its typed form and validates it.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var msg Message
	switch head.Type {
	case TypeSetUsername:
		msg = &SetUsername{}
	case TypeUsernameSet:
		msg = &UsernameSet{}
	case TypeUsernameError:
		msg = &UsernameError{}
	case TypeGetUsers:
		msg = &GetUsers{}
	case TypeUserList:
		msg = &UserList{}
	case TypeFileMetadata:
		msg = &FileMetadata{}
	case TypeFileChunk:
		msg = &FileChunk{}
	case TypeFileComplete:
		msg = &FileComplete{}
	case TypeFileCancel:
		msg = &FileCancel{}
	case TypeOffer, TypeAnswer, TypeIceCandidate:
		msg = &Signal{Kind: head.Type}
	case TypeError:
		msg = &Error{}
	case "":
		return nil, fmt.Errorf("%w: type is required", ErrMalformedMessage)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, head.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, head.Type, err)
	}
	if err := Validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Validate checks the fields a receiver depends on.
func Validate(msg Message) error {
	switch m := msg.(type) {
	case *SetUsername:
		if strings.TrimSpace(m.Username) == "" {
			return fmt.Errorf("%w: username is required", ErrMalformedMessage)
		}
	case *FileMetadata:
		if m.TransferID == "" {
			return fmt.Errorf("%w: transferId is required", ErrMalformedMessage)
		}
		if m.File.Size < 0 {
			return fmt.Errorf("%w: negative file size", ErrMalformedMessage)
		}
		if m.TransferMode != "" && m.TransferMode != ModeDirect && m.TransferMode != ModeRelayed {
			return fmt.Errorf("%w: unknown transferMode %q", ErrMalformedMessage, m.TransferMode)
		}
	case *FileChunk:
		if m.TransferID == "" {
			return fmt.Errorf("%w: transferId is required", ErrMalformedMessage)
		}
		if m.File.Offset < 0 {
			return fmt.Errorf("%w: negative chunk offset", ErrMalformedMessage)
		}
		if int64(len(m.File.Data)) > math.MaxInt64-m.File.Offset {
			return fmt.Errorf("%w: chunk offset overflows", ErrMalformedMessage)
		}
		if m.File.Size > 0 && m.File.Offset+int64(len(m.File.Data)) > m.File.Size {
			return fmt.Errorf("%w: chunk extends past file size", ErrMalformedMessage)
		}
	case *FileComplete:
		if m.TransferID == "" {
			return fmt.Errorf("%w: transferId is required", ErrMalformedMessage)
		}
	case *FileCancel:
		if m.TransferID == "" {
			return fmt.Errorf("%w: transferId is required", ErrMalformedMessage)
		}
	}
	return nil
}
