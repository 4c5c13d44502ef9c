package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message discriminators (the "T" field of every frame).
const (
	TypeHello        = "hello"
	TypePacket       = "packet"
	TypeChat         = "msg"
	TypeNameChange   = "nameChange"
	TypePlayerUpdate = "playerUpdate"
	TypeBlockUpdate  = "blockUpdate"
	TypeChunkDrop    = "chunkDrop"
	TypeChunkUpdate  = "chunkUpdate"
	TypePlayerHit    = "playerHit"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMissingType = errors.New("message without type")
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	T string `json:"T"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// Message is the closed set of frames that travel over a connection.
type Message interface {
	Type() string
	isMessage()
}

// Decode parses a frame into its concrete message type. Unknown
// discriminators return an error wrapping ErrUnknownType.
func Decode(b []byte) (Message, error) {
	base, err := DecodeBase(b)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	var m Message
	switch base.T {
	case "":
		return nil, ErrMissingType
	case TypeHello:
		m = &HelloMsg{}
	case TypePacket:
		m = &Packet{}
	case TypeChat:
		m = &ChatMsg{}
	case TypeNameChange:
		m = &NameChangeMsg{}
	case TypePlayerUpdate:
		m = &PlayerUpdateMsg{}
	case TypeBlockUpdate:
		m = &BlockUpdateMsg{}
	case TypeChunkDrop:
		m = &ChunkDropMsg{}
	case TypeChunkUpdate:
		m = &ChunkUpdateMsg{}
	case TypePlayerHit:
		m = &PlayerHitMsg{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, base.T)
	}
	if err := json.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", base.T, err)
	}
	return m, nil
}

// Encode serializes m, stamping the discriminator from its concrete type.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case *HelloMsg:
		v.T = TypeHello
	case *Packet:
		v.T = TypePacket
		v.normalize()
	case *ChatMsg:
		v.T = TypeChat
	case *NameChangeMsg:
		v.T = TypeNameChange
	case *PlayerUpdateMsg:
		v.T = TypePlayerUpdate
	case *BlockUpdateMsg:
		v.T = TypeBlockUpdate
	case *ChunkDropMsg:
		v.T = TypeChunkDrop
	case *ChunkUpdateMsg:
		v.T = TypeChunkUpdate
	case *PlayerHitMsg:
		v.T = TypePlayerHit
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
	return json.Marshal(m)
}
