package db

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type logEntry struct {
	level slog.Level
	msg   string
	attrs map[string]slog.Value
}

// recordingHandler keeps every record with its level.
type recordingHandler struct {
	mu      sync.Mutex
	entries []logEntry
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	e := logEntry{level: r.Level, msg: r.Message, attrs: map[string]slog.Value{}}
	r.Attrs(func(a slog.Attr) bool {
		e.attrs[a.Key] = a.Value
		return true
	})
	h.mu.Lock()
	h.entries = append(h.entries, e)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

// last returns the most recent entry whose sql attribute is query.
func (h *recordingHandler) last(t *testing.T, query string) logEntry {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.entries) - 1; i >= 0; i-- {
		if v, ok := h.entries[i].attrs["sql"]; ok && v.String() == query {
			return h.entries[i]
		}
	}
	t.Fatalf("no log entry for %q", query)
	return logEntry{}
}

func openLogged(t *testing.T, slow time.Duration) (*sql.DB, *recordingHandler) {
	t.Helper()
	h := &recordingHandler{}
	connector, err := NewLoggingConnector(":memory:", slog.New(h), slow)
	if err != nil {
		t.Fatalf("NewLoggingConnector: %v", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(`CREATE TABLE readings (station_id TEXT PRIMARY KEY, aqi INTEGER, raw BLOB)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db, h
}

func TestNewLoggingConnector_Defaults(t *testing.T) {
	conn, err := NewLoggingConnector(":memory:", nil, 0)
	if err != nil {
		t.Fatalf("NewLoggingConnector: %v", err)
	}
	lc := conn.(*loggingConnector)
	if lc.slow != DefaultSlowQuery {
		t.Errorf("slow = %s; want %s", lc.slow, DefaultSlowQuery)
	}
	if lc.logger == nil {
		t.Error("logger is nil; want slog.Default()")
	}
	if _, err := conn.Driver().Open(":memory:"); err == nil {
		t.Error("Driver().Open should refuse direct use")
	}
}

func TestLoggingConnector_Levels(t *testing.T) {
	const insert = `INSERT INTO readings (station_id, aqi, raw) VALUES (?, ?, ?)`

	tests := []struct {
		name      string
		slow      time.Duration
		run       func(db *sql.DB) error
		query     string
		wantMsg   string
		wantLevel slog.Level
		wantOp    string
	}{
		{
			name: "fast exec is debug",
			slow: time.Hour,
			run: func(db *sql.DB) error {
				_, err := db.Exec(insert, "S1", 42, []byte("raw"))
				return err
			},
			query: insert, wantMsg: "sql", wantLevel: slog.LevelDebug, wantOp: "exec",
		},
		{
			name: "fast query is debug",
			slow: time.Hour,
			run: func(db *sql.DB) error {
				var n int
				return db.QueryRow(`SELECT COUNT(*) FROM readings`).Scan(&n)
			},
			query: `SELECT COUNT(*) FROM readings`, wantMsg: "sql", wantLevel: slog.LevelDebug, wantOp: "query",
		},
		{
			name: "slow query is warn",
			slow: time.Nanosecond,
			run: func(db *sql.DB) error {
				var n int
				return db.QueryRow(`SELECT COUNT(*) FROM readings`).Scan(&n)
			},
			query: `SELECT COUNT(*) FROM readings`, wantMsg: "sql slow", wantLevel: slog.LevelWarn, wantOp: "query",
		},
		{
			name: "constraint failure is warn even when slow",
			slow: time.Nanosecond,
			run: func(db *sql.DB) error {
				if _, err := db.Exec(insert, "S1", 1, nil); err != nil {
					return err
				}
				_, err := db.Exec(insert, "S1", 2, nil)
				if err == nil {
					t.Error("duplicate insert succeeded")
				}
				return nil
			},
			query: insert, wantMsg: "sql failed", wantLevel: slog.LevelWarn, wantOp: "exec",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, h := openLogged(t, tt.slow)
			if err := tt.run(db); err != nil {
				t.Fatalf("run: %v", err)
			}
			got := h.last(t, tt.query)
			if got.msg != tt.wantMsg || got.level != tt.wantLevel {
				t.Errorf("got %s/%q; want %s/%q", got.level, got.msg, tt.wantLevel, tt.wantMsg)
			}
			if op := got.attrs["op"].String(); op != tt.wantOp {
				t.Errorf("op = %q; want %q", op, tt.wantOp)
			}
			if _, ok := got.attrs["duration_ms"]; !ok {
				t.Error("missing duration_ms")
			}
			_, hasErr := got.attrs["error"]
			if hasErr != (tt.wantMsg == "sql failed") {
				t.Errorf("error attribute present = %v", hasErr)
			}
		})
	}
}

func TestLoggingConnector_ArgsFormatted(t *testing.T) {
	const insert = `INSERT INTO readings (station_id, aqi, raw) VALUES (?, ?, ?)`
	db, h := openLogged(t, time.Hour)

	if _, err := db.Exec(insert, "S1", nil, []byte("payload")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	args, ok := h.last(t, insert).attrs["args"].Any().([]any)
	if !ok || len(args) != 3 {
		t.Fatalf("args = %v", h.last(t, insert).attrs["args"].Any())
	}
	want := []any{"S1", "NULL", "payload"}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("args[%d] = %v; want %v", i, args[i], want[i])
		}
	}
}

func TestLoggingConnector_PrepareFailureLogged(t *testing.T) {
	db, h := openLogged(t, time.Hour)

	if _, err := db.Exec(`SELEC nonsense`); err == nil {
		t.Fatal("invalid SQL succeeded")
	}
	got := h.last(t, `SELEC nonsense`)
	if got.msg != "sql prepare failed" || got.level != slog.LevelWarn {
		t.Errorf("got %s/%q; want WARN/sql prepare failed", got.level, got.msg)
	}
}

func TestLoggingConnector_TransactionCommits(t *testing.T) {
	db, _ := openLogged(t, time.Hour)

	tx, err := db.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.Exec(`INSERT INTO readings (station_id, aqi) VALUES ('S9', 9)`); err != nil {
		t.Fatalf("exec in tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var aqi int
	if err := db.QueryRow(`SELECT aqi FROM readings WHERE station_id = 'S9'`).Scan(&aqi); err != nil || aqi != 9 {
		t.Fatalf("aqi = %d, err = %v", aqi, err)
	}
}
