package audit

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func testLogger(t *testing.T) (*SQLiteLogger, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	l := NewSQLiteLogger(db)
	if err := l.Init(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return l, db
}

func countEntries(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&n); err != nil {
		t.Fatalf("counting entries: %v", err)
	}
	return n
}

func TestLogFillsDefaults(t *testing.T) {
	l, db := testLogger(t)
	defer l.Close()

	e := &Entry{Action: "scene", Namespace: "ns", Key: "story/1.json"}
	if err := l.Log(context.Background(), e); err != nil {
		t.Fatalf("log: %v", err)
	}
	if e.EntryID == "" || e.Timestamp == 0 {
		t.Fatalf("defaults not filled: %+v", e)
	}
	if e.Status != "success" || e.Transport != "http" {
		t.Fatalf("defaults wrong: status=%q transport=%q", e.Status, e.Transport)
	}
	if countEntries(t, db) != 1 {
		t.Fatal("entry not persisted")
	}
}

func TestErrorImpliesErrorStatus(t *testing.T) {
	l, _ := testLogger(t)
	defer l.Close()

	e := &Entry{Action: "data_put", Error: "boom"}
	if err := l.Log(context.Background(), e); err != nil {
		t.Fatalf("log: %v", err)
	}
	if e.Status != "error" {
		t.Fatalf("status = %q, want error", e.Status)
	}
}

func TestAsyncFlushOnClose(t *testing.T) {
	l, db := testLogger(t)

	for i := 0; i < 5; i++ {
		l.LogAsync(&Entry{Action: "read"})
	}
	// Close drains the buffer before returning.
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := countEntries(t, db); got != 5 {
		t.Fatalf("persisted = %d, want 5", got)
	}
}

func TestMiddleware(t *testing.T) {
	l, db := testLogger(t)

	h := Middleware(l, "probe", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("inner status lost: %d", rec.Code)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var action, status string
	if err := db.QueryRow("SELECT action, status FROM audit_log").Scan(&action, &status); err != nil {
		t.Fatalf("reading entry: %v", err)
	}
	if action != "probe" {
		t.Fatalf("action = %q", action)
	}
	if status != "error" {
		t.Fatalf("status = %q, want error for 4xx response", status)
	}
}

func TestNilLoggerMiddlewarePassthrough(t *testing.T) {
	called := false
	h := Middleware(nil, "noop", func(w http.ResponseWriter, r *http.Request) { called = true })
	h(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	if !called {
		t.Fatal("inner handler not called")
	}
}
