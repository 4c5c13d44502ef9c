package protocol_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("compile schemas: %v", err)
	}

	for _, kind := range []string{
		protocol.TypeHello, protocol.TypePacket, protocol.TypeChat, protocol.TypeNameChange,
		protocol.TypePlayerUpdate, protocol.TypeBlockUpdate, protocol.TypeChunkDrop,
		protocol.TypeChunkUpdate, protocol.TypePlayerHit,
	} {
		if !v.Has(kind) {
			t.Fatalf("missing schema for %q", kind)
		}
	}

	good := map[string]string{
		protocol.TypeHello:        `{"T":"hello","playerID":1}`,
		protocol.TypePacket:       `{"T":"packet","calls":[{"T":"mineBlock","id":3,"args":[{"x":1,"y":2,"z":3}]}],"replies":[{"T":"playerList","id":1,"value":null,"error":""}]}`,
		protocol.TypeChat:         `{"T":"msg","msg":"hi","playerID":2}`,
		protocol.TypeNameChange:   `{"T":"nameChange","newName":"bob","playerID":0}`,
		protocol.TypePlayerUpdate: `{"T":"playerUpdate","playerID":0,"playerName":"bob","x":1.5,"y":2,"z":-3,"yaw":0.1,"pitch":0,"health":12,"maxHealth":12}`,
		protocol.TypeBlockUpdate:  `{"T":"blockUpdate","x":-1,"y":20,"z":4,"block":3}`,
		protocol.TypeChunkDrop:    `{"T":"chunkDrop","x":32,"y":0,"z":-32}`,
		protocol.TypeChunkUpdate:  `{"T":"chunkUpdate","x":0,"y":0,"z":0,"lastUpdated":7,"blocks":"AAE=","encoding":"rle"}`,
		protocol.TypePlayerHit:    `{"T":"playerHit","playerID":1,"radius":2,"damage":4}`,
	}
	for kind, raw := range good {
		if err := v.Validate(kind, []byte(raw)); err != nil {
			t.Fatalf("validate %s: %v", kind, err)
		}
	}
}

func TestSchemas_RejectBadFrames(t *testing.T) {
	v, err := protocol.DefaultValidator()
	if err != nil {
		t.Fatalf("compile schemas: %v", err)
	}

	bad := map[string]string{
		protocol.TypeBlockUpdate: `{"T":"blockUpdate","x":1,"y":2,"z":3,"block":999}`,
		protocol.TypePacket:      `{"T":"packet","calls":[{"T":"x","id":0,"args":[]}],"replies":[]}`,
		protocol.TypeChunkDrop:   `{"T":"chunkDrop","x":"a","y":0,"z":0}`,
		protocol.TypeChat:        `{"T":"msg"}`,
	}
	for kind, raw := range bad {
		err := v.Validate(kind, []byte(raw))
		if err == nil {
			t.Fatalf("expected %s to be rejected: %s", kind, raw)
		}
		if !strings.Contains(err.Error(), protocol.ErrProtoSchema) {
			t.Fatalf("expected schema code in error, got %v", err)
		}
	}

	if _, err := v.DecodeValidated([]byte(`{"T":"blockUpdate","x":1,"y":2,"z":3,"block":-1}`)); err == nil {
		t.Fatalf("expected DecodeValidated to reject negative block")
	}
	if _, err := v.DecodeValidated([]byte(`{"T":"whatever"}`)); !errors.Is(err, protocol.ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType for kind without schema, got %v", err)
	}
}
