package main

import (
	"fmt"
	"io"

	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/persistence/indexdb"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/server"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/transport/ws"
)

// writeMetrics renders the Prometheus text exposition format.
func writeMetrics(w io.Writer, m server.Metrics, wsSrv *ws.Server, idx *indexdb.SQLiteIndex) {
	gauge := func(name, help string, v any) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s gauge\n", name)
		fmt.Fprintf(w, "%s %v\n", name, v)
	}
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s counter\n", name)
		fmt.Fprintf(w, "%s %d\n", name, v)
	}

	gauge("wolkenwelten_tick", "Current game tick.", m.Tick)
	gauge("wolkenwelten_connections", "Connected clients.", m.Connections)
	gauge("wolkenwelten_loaded_chunks", "Chunks held in memory.", m.LoadedChunks)
	gauge("wolkenwelten_mining_actions", "Blocks with mining progress.", m.MiningActions)
	gauge("wolkenwelten_step_ms", "Last tick step duration in milliseconds.", fmt.Sprintf("%.3f", float64(m.StepDuration.Microseconds())/1000))

	counter("wolkenwelten_chunks_sent_total", "Chunk updates sent.", m.ChunksSent)
	counter("wolkenwelten_rpc_timeouts_total", "RPC calls rejected by timeout.", m.RPCTimeouts)
	counter("wolkenwelten_bytes_in_total", "Inbound frame bytes.", m.Traffic.BytesIn)
	counter("wolkenwelten_bytes_out_total", "Outbound frame bytes.", m.Traffic.BytesOut)
	counter("wolkenwelten_msgs_in_total", "Inbound frames.", m.Traffic.MsgsIn)
	counter("wolkenwelten_msgs_out_total", "Outbound frames.", m.Traffic.MsgsOut)
	counter("wolkenwelten_dropped_frames_total", "Outbound frames dropped on full queues.", m.Traffic.Dropped)

	if wsSrv != nil {
		counter("wolkenwelten_rejected_frames_total", "Inbound frames that failed to decode or validate.", wsSrv.Rejected())
		counter("wolkenwelten_rate_limited_frames_total", "Inbound frames dropped by the rate limiter.", wsSrv.Limited())
	}

	if idx == nil {
		return
	}
	s := idx.Stats()
	gauge("wolkenwelten_index_queue_depth", "Session index queue depth.", s.QueueDepth)
	gauge("wolkenwelten_index_queue_capacity", "Session index queue capacity.", s.QueueCapacity)
	fmt.Fprintf(w, "# HELP wolkenwelten_index_dropped_total Index records dropped on a full queue.\n")
	fmt.Fprintf(w, "# TYPE wolkenwelten_index_dropped_total counter\n")
	fmt.Fprintf(w, "wolkenwelten_index_dropped_total{kind=%q} %d\n", "open", s.DropOpenTotal)
	fmt.Fprintf(w, "wolkenwelten_index_dropped_total{kind=%q} %d\n", "close", s.DropCloseTotal)
	fmt.Fprintf(w, "wolkenwelten_index_dropped_total{kind=%q} %d\n", "chat", s.DropChatTotal)
	counter("wolkenwelten_index_write_fail_total", "Index writes that failed.", s.WriteFailTotal)
}
