package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lowaak/smart-trainer/echex-bike/internal/config"
	"github.com/lowaak/smart-trainer/echex-bike/internal/protocol"

	"github.com/fxamacker/cbor/v2"
	"github.com/oklog/ulid/v2"
)

type MessageType string

const (
	MessageReading MessageType = "reading"
	MessageStatus  MessageType = "status"
	MessageCleared MessageType = "cleared"
)

// Message is one record published to the external store
type Message struct {
	ID        string            `json:"id" cbor:"id"`
	Type      MessageType       `json:"type" cbor:"type"`
	Session   string            `json:"session,omitempty" cbor:"session,omitempty"`
	Device    string            `json:"device,omitempty" cbor:"device,omitempty"`
	Status    string            `json:"status,omitempty" cbor:"status,omitempty"`
	Reading   *protocol.Reading `json:"reading,omitempty" cbor:"reading,omitempty"`
	Elapsed   string            `json:"elapsed,omitempty" cbor:"elapsed,omitempty"`
	Count     int               `json:"count,omitempty" cbor:"count,omitempty"`
	Timestamp int64             `json:"ts" cbor:"ts"`
}

func newMessage(t MessageType, now time.Time) Message {
	return Message{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Type:      t,
		Timestamp: now.UnixMilli(),
	}
}

// Encoder serializes messages in the configured encoding
type Encoder interface {
	Encode(m Message) ([]byte, error)
	Decode(data []byte, m *Message) error
	Name() string
}

type jsonEncoder struct{}

func (jsonEncoder) Encode(m Message) ([]byte, error)     { return json.Marshal(m) }
func (jsonEncoder) Decode(data []byte, m *Message) error { return json.Unmarshal(data, m) }
func (jsonEncoder) Name() string                         { return config.EncodingJSON }

type cborEncoder struct {
	mode cbor.EncMode
}

func (e cborEncoder) Encode(m Message) ([]byte, error)   { return e.mode.Marshal(m) }
func (cborEncoder) Decode(data []byte, m *Message) error { return cbor.Unmarshal(data, m) }
func (cborEncoder) Name() string                         { return config.EncodingCBOR }

// NewEncoder returns the encoder for name, json or cbor
func NewEncoder(name string) (Encoder, error) {
	switch name {
	case config.EncodingJSON:
		return jsonEncoder{}, nil
	case config.EncodingCBOR:
		mode, err := cbor.CanonicalEncOptions().EncMode()
		if err != nil {
			return nil, fmt.Errorf("cbor encoder: %w", err)
		}
		return cborEncoder{mode: mode}, nil
	}
	return nil, fmt.Errorf("unknown encoding %q", name)
}
