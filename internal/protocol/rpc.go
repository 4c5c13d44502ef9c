package protocol

import "encoding/json"

// Call is one request inside a packet. T carries the method name.
type Call struct {
	T    string            `json:"T"`
	ID   uint64            `json:"id"`
	Args []json.RawMessage `json:"args"`
}

// Reply answers the Call with the same ID. An empty Error means success.
type Reply struct {
	T     string          `json:"T"`
	ID    uint64          `json:"id"`
	Value json.RawMessage `json:"value"`
	Error string          `json:"error"`
}

// Packet batches every call and reply queued on a connection during one flush tick.
type Packet struct {
	T       string  `json:"T"`
	Calls   []Call  `json:"calls"`
	Replies []Reply `json:"replies"`
}

func (p *Packet) normalize() {
	if p.Calls == nil {
		p.Calls = []Call{}
	}
	if p.Replies == nil {
		p.Replies = []Reply{}
	}
	for i := range p.Calls {
		if p.Calls[i].Args == nil {
			p.Calls[i].Args = []json.RawMessage{}
		}
	}
	for i := range p.Replies {
		if len(p.Replies[i].Value) == 0 {
			p.Replies[i].Value = json.RawMessage("null")
		}
	}
}

// RPC method names.
const (
	MethodGetPlayerID     = "getPlayerID"
	MethodSetPlayerName   = "setPlayerName"
	MethodSetPlayerStatus = "setPlayerStatus"
	MethodAddLogEntry     = "addLogEntry"
	MethodPlayerList      = "playerList"
	MethodPlayerDeath     = "playerDeath"
	MethodPlaySound       = "playSound"
	MethodPlayerJump      = "playerJump"
	MethodMineBlock       = "mineBlock"
)

// PlayerListEntry is one row of the playerList call (server -> client).
type PlayerListEntry struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Deaths int    `json:"deaths"`
	Kills  int    `json:"kills"`
}

// PlaySoundArgs is relayed to every other connection.
type PlaySoundArgs struct {
	Name   string  `json:"name"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`
	Volume float64 `json:"volume"`
}

// PlayerJumpArgs marks where a player jumped; peers render the effect.
type PlayerJumpArgs struct {
	PlayerID int     `json:"playerId"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
}

// MineBlockArgs asks the server to apply one mining hit.
type MineBlockArgs struct {
	X    int    `json:"x"`
	Y    int    `json:"y"`
	Z    int    `json:"z"`
	Tool string `json:"tool,omitempty"`
}

// Mining outcomes returned by mineBlock.
const (
	MineNoOp       = "noop"
	MineInProgress = "inProgress"
	MineCompleted  = "completed"
)

type MineBlockResult struct {
	Outcome  string  `json:"outcome"`
	Progress float64 `json:"progress"`
}
