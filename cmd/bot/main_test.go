package main

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/client"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/config"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/server"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/sim/catalogs"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/sim/world"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/transport/ws"
)

func TestChunkCacheColumn(t *testing.T) {
	cache := &chunkCache{log: log.New(io.Discard, "", 0), chunks: map[world.ChunkPos][]uint8{}}
	if _, _, ok := cache.column(3, 3); ok {
		t.Fatalf("empty cache reported a surface")
	}

	low := make([]uint8, world.ChunkVolume)
	low[3|31<<world.ChunkBits|3<<(2*world.ChunkBits)] = 3
	cache.ChunkUpdate(world.ChunkPos{Y: -32}, low, 1)
	y, block, ok := cache.column(3, 3)
	if !ok || y != -1 || block != 3 {
		t.Fatalf("column = %d,%d,%v, want -1,3,true", y, block, ok)
	}

	high := make([]uint8, world.ChunkVolume)
	high[3|4<<world.ChunkBits|3<<(2*world.ChunkBits)] = 2
	cache.ChunkUpdate(world.ChunkPos{}, high, 2)
	y, block, _ = cache.column(3, 3)
	if y != 4 || block != 2 {
		t.Fatalf("column = %d,%d, want 4,2", y, block)
	}

	// Negative coordinates land in the chunk to the west.
	if _, _, ok := cache.column(-1, 3); ok {
		t.Fatalf("column -1 has no cached chunk")
	}
}

func TestBestTool(t *testing.T) {
	cats := catalogs.Defaults()
	cases := map[string]string{
		"Stone":   "ironPickaxe",
		"Dirt":    "stoneShovel",
		"Oak log": "ironAxe",
	}
	for name, want := range cases {
		if got := bestTool(cats, cats.Blocks.ByName[name]); got != want {
			t.Fatalf("bestTool(%s) = %q, want %q", name, got, want)
		}
	}
}

func TestDigBreaksBlockDespiteDecay(t *testing.T) {
	cfg := config.Defaults()
	cfg.Stream.Radii = nil
	cats := catalogs.Defaults()
	dirt := cats.Blocks.ByName["Dirt"]
	cats.Blocks.Defs[dirt].Health = 60

	quiet := log.New(io.Discard, "", 0)
	g, err := server.New(server.Options{Config: cfg, Catalogs: cats, Logger: quiet})
	if err != nil {
		t.Fatalf("game: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = g.Run(ctx) }()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/ws", ws.NewServer(g, quiet, ws.Options{Limits: cfg.Limits}).Handler())
	hs := httptest.NewServer(mux)
	defer hs.Close()

	n := client.New(client.Options{URL: "ws" + strings.TrimPrefix(hs.URL, "http") + "/api/ws", Logger: quiet})
	netDone := make(chan struct{})
	go func() {
		defer close(netDone)
		_ = n.Run(ctx)
	}()
	defer func() {
		cancel()
		<-netDone
		<-g.Done()
	}()

	deadline := time.Now().Add(3 * time.Second)
	for n.PlayerID() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no hello")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := n.SendSetBlock(3, 700, 3, dirt); err != nil {
		t.Fatalf("set block: %v", err)
	}

	var buf bytes.Buffer
	dig(ctx, n, log.New(&buf, "", 0), 3, 700, 3, bestTool(cats, dirt))
	if !strings.Contains(buf.String(), "mined 3,700,3") {
		t.Fatalf("dig did not break the block: %q", buf.String())
	}
}
