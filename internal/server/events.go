package server

import (
	"time"

	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/protocol"
)

// EventEnvelope carries one decoded non-RPC frame from a connection's
// reader into the game loop.
type EventEnvelope struct {
	ConnID int
	Msg    protocol.Message
}

// JoinRequest registers a new connection. Out receives every outbound
// frame; Close is called when the game decides to drop the connection.
type JoinRequest struct {
	Remote string
	Out    chan []byte
	Close  func()
	Resp   chan *Conn
}

// JournalEntry is one protocol-level event worth keeping for audit.
type JournalEntry struct {
	Time   time.Time `json:"time"`
	Tick   uint64    `json:"tick"`
	Kind   string    `json:"kind"`
	ConnID int       `json:"conn_id,omitempty"`
	Name   string    `json:"name,omitempty"`
	Text   string    `json:"text,omitempty"`
	X      int       `json:"x,omitempty"`
	Y      int       `json:"y,omitempty"`
	Z      int       `json:"z,omitempty"`
	Block  uint8     `json:"block,omitempty"`
}

const (
	JournalJoin      = "join"
	JournalLeave     = "leave"
	JournalChat      = "chat"
	JournalName      = "name"
	JournalSetBlock  = "set_block"
	JournalBlockMine = "block_mined"
)

type Journal interface {
	Record(e JournalEntry) error
}

// SessionRecord describes one connection for the session index. It is
// sent once on join and again, with totals filled in, on leave.
type SessionRecord struct {
	SessionID      string
	ConnID         int
	Name           string
	Remote         string
	ConnectedAt    time.Time
	DisconnectedAt time.Time
	BytesIn        uint64
	BytesOut       uint64
	MsgsIn         uint64
	MsgsOut        uint64
	Deaths         int
	Kills          int
}

type ChatRecord struct {
	SessionID string
	ConnID    int
	Name      string
	Text      string
	At        time.Time
}

// SessionIndex must never block the caller.
type SessionIndex interface {
	SessionOpened(r SessionRecord)
	SessionClosed(r SessionRecord)
	Chat(r ChatRecord)
}
