package protocol

// hello (server -> client), sent once right after accept.
type HelloMsg struct {
	T        string `json:"T"`
	PlayerID int    `json:"playerID"`
}

// msg (both directions): chat line.
type ChatMsg struct {
	T        string `json:"T"`
	Msg      string `json:"msg"`
	PlayerID int    `json:"playerID"`
}

// nameChange (client -> server)
type NameChangeMsg struct {
	T        string `json:"T"`
	NewName  string `json:"newName"`
	PlayerID int    `json:"playerID"`
}

// playerUpdate (client -> server, and server -> client for peers).
// Values are client-authoritative and trusted as reported.
type PlayerUpdateMsg struct {
	T          string  `json:"T"`
	PlayerID   int     `json:"playerID"`
	PlayerName string  `json:"playerName"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Yaw        float64 `json:"yaw"`
	Pitch      float64 `json:"pitch"`
	Health     int     `json:"health"`
	MaxHealth  int     `json:"maxHealth"`
}

// blockUpdate (client -> server)
type BlockUpdateMsg struct {
	T     string `json:"T"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Z     int    `json:"z"`
	Block uint8  `json:"block"`
}

// chunkDrop (client -> server): the client evicted the chunk at chunk-aligned x,y,z.
type ChunkDropMsg struct {
	T string `json:"T"`
	X int    `json:"x"`
	Y int    `json:"y"`
	Z int    `json:"z"`
}

// Chunk payload encodings.
const (
	EncodingRaw   = "raw"
	EncodingRLE   = "rle"
	EncodingZstd  = "zstd"
	EncodingEmpty = "empty"
)

// chunkUpdate (server -> client). Blocks is opaque to the protocol layer;
// Encoding says how to unpack it (empty string means raw).
type ChunkUpdateMsg struct {
	T           string `json:"T"`
	X           int    `json:"x"`
	Y           int    `json:"y"`
	Z           int    `json:"z"`
	LastUpdated uint32 `json:"lastUpdated"`
	Blocks      []byte `json:"blocks"`
	Encoding    string `json:"encoding,omitempty"`
}

// playerHit (client -> server, relayed to peers)
type PlayerHitMsg struct {
	T        string  `json:"T"`
	PlayerID int     `json:"playerID"`
	Radius   float64 `json:"radius"`
	Damage   float64 `json:"damage"`
}

func (*HelloMsg) Type() string        { return TypeHello }
func (*Packet) Type() string          { return TypePacket }
func (*ChatMsg) Type() string         { return TypeChat }
func (*NameChangeMsg) Type() string   { return TypeNameChange }
func (*PlayerUpdateMsg) Type() string { return TypePlayerUpdate }
func (*BlockUpdateMsg) Type() string  { return TypeBlockUpdate }
func (*ChunkDropMsg) Type() string    { return TypeChunkDrop }
func (*ChunkUpdateMsg) Type() string  { return TypeChunkUpdate }
func (*PlayerHitMsg) Type() string    { return TypePlayerHit }

func (*HelloMsg) isMessage()        {}
func (*Packet) isMessage()          {}
func (*ChatMsg) isMessage()         {}
func (*NameChangeMsg) isMessage()   {}
func (*PlayerUpdateMsg) isMessage() {}
func (*BlockUpdateMsg) isMessage()  {}
func (*ChunkDropMsg) isMessage()    {}
func (*ChunkUpdateMsg) isMessage()  {}
func (*PlayerHitMsg) isMessage()    {}
