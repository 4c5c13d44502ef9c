package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/config"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/server"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/sim/catalogs"
)

// SQLiteIndex is a queryable secondary index of sessions and chat. Writes
// are queued and applied by one goroutine in batched transactions; when
// the queue is full records are dropped and counted.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropOpen   atomic.Uint64
	dropClose  atomic.Uint64
	dropChat   atomic.Uint64
	writeFails atomic.Uint64
	written    atomic.Uint64
}

var _ server.SessionIndex = (*SQLiteIndex)(nil)

type reqKind int

const (
	reqOpen reqKind = iota + 1
	reqClose
	reqChat
)

type req struct {
	kind    reqKind
	session server.SessionRecord
	chat    server.ChatRecord
}

type Stats struct {
	QueueDepth     int
	QueueCapacity  int
	DropOpenTotal  uint64
	DropCloseTotal uint64
	DropChatTotal  uint64
	WriteFailTotal uint64
	WrittenTotal   uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{db: db, ch: make(chan req, queue)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			conn_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			remote TEXT NOT NULL,
			connected_at TEXT NOT NULL,
			disconnected_at TEXT,
			bytes_in INTEGER NOT NULL DEFAULT 0,
			bytes_out INTEGER NOT NULL DEFAULT 0,
			msgs_in INTEGER NOT NULL DEFAULT 0,
			msgs_out INTEGER NOT NULL DEFAULT 0,
			deaths INTEGER NOT NULL DEFAULT 0,
			kills INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_connected ON sessions(connected_at);`,
		`CREATE TABLE IF NOT EXISTS chat (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			conn_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			text TEXT NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_session ON chat(session_id, id);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains the queue, commits and closes the database.
func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropOpenTotal:  s.dropOpen.Load(),
		DropCloseTotal: s.dropClose.Load(),
		DropChatTotal:  s.dropChat.Load(),
		WriteFailTotal: s.writeFails.Load(),
		WrittenTotal:   s.written.Load(),
	}
}

func (s *SQLiteIndex) enqueue(r req) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
		return
	default:
	}
	// The journal stays the source of truth.
	switch r.kind {
	case reqOpen:
		s.dropOpen.Add(1)
	case reqClose:
		s.dropClose.Add(1)
	case reqChat:
		s.dropChat.Add(1)
	}
}

func (s *SQLiteIndex) SessionOpened(r server.SessionRecord) {
	s.enqueue(req{kind: reqOpen, session: r})
}

func (s *SQLiteIndex) SessionClosed(r server.SessionRecord) {
	s.enqueue(req{kind: reqClose, session: r})
}

func (s *SQLiteIndex) Chat(r server.ChatRecord) {
	s.enqueue(req{kind: reqChat, chat: r})
}

// UpsertCatalogs stores the catalogs and server config the process runs
// with, keyed by content digest.
func (s *SQLiteIndex) UpsertCatalogs(cats *catalogs.Catalogs, cfg config.Config) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	{
		var defs []catalogs.BlockDef
		for _, d := range cats.Blocks.Defs {
			if d != nil {
				defs = append(defs, *d)
			}
		}
		if b, _ := json.Marshal(defs); len(b) > 0 {
			rows = append(rows, kv{name: "blocks", digest: cats.Blocks.Digest, json: b})
		}
	}
	{
		ids := cats.Tools.ToolIDs()
		tools := make([]catalogs.ToolDef, 0, len(ids))
		for _, id := range ids {
			tools = append(tools, cats.Tools.ByID[id])
		}
		sort.Slice(tools, func(i, j int) bool { return tools[i].ID < tools[j].ID })
		if b, _ := json.Marshal(tools); len(b) > 0 {
			rows = append(rows, kv{name: "tools", digest: cats.Tools.Digest, json: b})
		}
	}
	{
		b, _ := json.Marshal(cfg)
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "config", digest: hex.EncodeToString(sum[:]), json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if r.digest == "" || len(r.json) == 0 {
			continue
		}
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// tsLayout is fixed width so timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertSession, _ := s.db.Prepare(`INSERT OR IGNORE INTO sessions(session_id,conn_id,name,remote,connected_at) VALUES(?,?,?,?,?)`)
	closeSession, _ := s.db.Prepare(`INSERT INTO sessions(session_id,conn_id,name,remote,connected_at,disconnected_at,bytes_in,bytes_out,msgs_in,msgs_out,deaths,kills)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(session_id) DO UPDATE SET
			name=excluded.name,
			disconnected_at=excluded.disconnected_at,
			bytes_in=excluded.bytes_in,
			bytes_out=excluded.bytes_out,
			msgs_in=excluded.msgs_in,
			msgs_out=excluded.msgs_out,
			deaths=excluded.deaths,
			kills=excluded.kills`)
	insertChat, _ := s.db.Prepare(`INSERT INTO chat(session_id,conn_id,name,text,at) VALUES(?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertSession, closeSession, insertChat} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeFails.Add(uint64(opCount))
		} else {
			s.written.Add(uint64(opCount))
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil {
			s.writeFails.Add(1)
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			s.writeFails.Add(1)
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			s.writeFails.Add(1)
			continue
		}
		switch r.kind {
		case reqOpen:
			se := r.session
			exec(insertSession, se.SessionID, se.ConnID, se.Name, se.Remote, ts(se.ConnectedAt))
		case reqClose:
			se := r.session
			exec(closeSession, se.SessionID, se.ConnID, se.Name, se.Remote, ts(se.ConnectedAt), ts(se.DisconnectedAt),
				int64(se.BytesIn), int64(se.BytesOut), int64(se.MsgsIn), int64(se.MsgsOut), se.Deaths, se.Kills)
		case reqChat:
			c := r.chat
			exec(insertChat, c.SessionID, c.ConnID, c.Name, c.Text, ts(c.At))
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0 {
			commit()
		}
	}
	commit()
}

// Session is one row of the sessions table.
type Session struct {
	SessionID      string
	ConnID         int
	Name           string
	Remote         string
	ConnectedAt    time.Time
	DisconnectedAt time.Time // zero while connected
	BytesIn        uint64
	BytesOut       uint64
	MsgsIn         uint64
	MsgsOut        uint64
	Deaths         int
	Kills          int
}

// RecentSessions returns up to limit sessions, newest first.
func (s *SQLiteIndex) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id,conn_id,name,remote,connected_at,COALESCE(disconnected_at,''),
		bytes_in,bytes_out,msgs_in,msgs_out,deaths,kills
		FROM sessions ORDER BY connected_at DESC, conn_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			se              Session
			connected, gone string
			bi, bo, mi, mo  int64
		)
		if err := rows.Scan(&se.SessionID, &se.ConnID, &se.Name, &se.Remote, &connected, &gone, &bi, &bo, &mi, &mo, &se.Deaths, &se.Kills); err != nil {
			return nil, err
		}
		se.ConnectedAt, _ = time.Parse(tsLayout, connected)
		if gone != "" {
			se.DisconnectedAt, _ = time.Parse(tsLayout, gone)
		}
		se.BytesIn, se.BytesOut, se.MsgsIn, se.MsgsOut = uint64(bi), uint64(bo), uint64(mi), uint64(mo)
		out = append(out, se)
	}
	return out, rows.Err()
}

// ChatLog returns the chat lines of one session in order.
func (s *SQLiteIndex) ChatLog(ctx context.Context, sessionID string) ([]server.ChatRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id,conn_id,name,text,at FROM chat WHERE session_id=? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []server.ChatRecord
	for rows.Next() {
		var (
			c  server.ChatRecord
			at string
		)
		if err := rows.Scan(&c.SessionID, &c.ConnID, &c.Name, &c.Text, &at); err != nil {
			return nil, err
		}
		c.At, _ = time.Parse(tsLayout, at)
		out = append(out, c)
	}
	return out, rows.Err()
}
