package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/config"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/persistence/indexdb"
	persistlog "github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/persistence/log"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/protocol"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/server"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/sim/catalogs"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/transport/ws"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	var (
		addr       = flag.String("addr", "", "http listen address (default :$PORT, PORT defaults to 3030)")
		configDir  = flag.String("configs", "./configs", "config directory (catalogs, server.yaml)")
		configPath = flag.String("config", "", "path to server.yaml (default: <configs>/server.yaml)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		debug      = flag.Bool("debug", os.Getenv("NODE_ENV") == "development", "log per-connection traffic every second")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite session index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	listen := strings.TrimSpace(*addr)
	if listen == "" {
		listen = ":" + envString("PORT", "3030")
	}

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}
	cp := strings.TrimSpace(*configPath)
	if cp == "" {
		cp = filepath.Join(*configDir, "server.yaml")
	}
	cfg, err := config.LoadOrDefault(cp)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("config: tick=%dHz radii=%v encoding=%s blocks=%s tools=%s",
		cfg.TickRateHz, cfg.Stream.Radii, cfg.Stream.ChunkEncoding, short(cats.Blocks.Digest), short(cats.Tools.Digest))

	_ = os.MkdirAll(*dataDir, 0o755)
	journal := persistlog.NewJournal(*dataDir)
	defer journal.Close()

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "index", "sessions.sqlite"))
		if err != nil {
			logger.Fatalf("index db: %v", err)
		}
		defer idx.Close()
		if err := idx.UpsertCatalogs(cats, cfg); err != nil {
			logger.Printf("index catalogs: %v", err)
		}
	}

	opts := server.Options{Config: cfg, Catalogs: cats, Logger: logger, Journal: journal, Debug: *debug}
	if idx != nil {
		opts.Index = idx
	}
	g, err := server.New(opts)
	if err != nil {
		logger.Fatalf("game: %v", err)
	}

	validator, err := protocol.DefaultValidator()
	if err != nil {
		logger.Fatalf("schemas: %v", err)
	}
	wsSrv := ws.NewServer(g, logger, ws.Options{Limits: cfg.Limits, Validator: validator})

	ctx, cancel := signalContext()
	defer cancel()

	gameDone := make(chan struct{})
	go func() {
		defer close(gameDone)
		if err := g.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("game stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, g.Metrics(), wsSrv, idx)
	})
	mux.HandleFunc("/", func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(rw, r)
			return
		}
		ctx2, cancel2 := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel2()
		list, err := g.PlayerList(ctx2)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{"tick": g.CurrentTick(), "players": list})
	})
	if idx != nil {
		mux.HandleFunc("/admin/v1/sessions", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			if limit <= 0 || limit > 1000 {
				limit = 100
			}
			sessions, err := idx.RecentSessions(r.Context(), limit)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusInternalServerError)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(sessions)
		})
	}
	if envBool("ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/api/ws", wsSrv.Handler())

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	cancel()
	<-gameDone
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
