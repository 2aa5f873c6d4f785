// Package db is the focus log: a sqlite record of feedback ticks and control
// events, one session per process run. Frames are not stored.
package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/autofocus/internal/autofocus"
	"github.com/banshee-data/autofocus/internal/httputil"
	"github.com/banshee-data/autofocus/internal/monitoring"
)

type DB struct {
	*sql.DB
	path    string
	session uuid.UUID
}

// pragmas are applied to every pooled connection through the DSN.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"foreign_keys(ON)",
}

func dsn(path string) string {
	q := ""
	for i, p := range pragmas {
		if i > 0 {
			q += "&"
		}
		q += "_pragma=" + p
	}
	return "file:" + path + "?" + q
}

// OpenDB opens the database without touching the schema.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// NewDB opens the database, applies the embedded migrations and starts a new
// session labelled with version.
func NewDB(path, version string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.StartSession(version); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// StartSession begins a new session; subsequent records are tagged with it.
func (db *DB) StartSession(version string) (uuid.UUID, error) {
	id := uuid.New()
	if _, err := db.Exec(
		`INSERT INTO sessions (session_id, started_unix_nanos, version) VALUES (?, ?, ?)`,
		id.String(), time.Now().UnixNano(), version,
	); err != nil {
		return uuid.Nil, fmt.Errorf("failed to start session: %w", err)
	}
	db.session = id
	monitoring.Logf("[db] focus log session %s", id)
	return id, nil
}

func (db *DB) Session() uuid.UUID { return db.session }

// RecordFeedback stores one feedback evaluation.
func (db *DB) RecordFeedback(t autofocus.FeedbackTick) error {
	var failure sql.NullString
	if t.Failure != "" {
		failure = sql.NullString{String: t.Failure, Valid: true}
	}
	_, err := db.Exec(
		`INSERT INTO feedback_ticks (
			session_id, tick_unix_nanos, peak, setpoint, error, actuation, moved, failure
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		db.session.String(), t.Time.UnixNano(), t.Peak, t.Setpoint, t.Error, t.Actuation, t.Moved, failure,
	)
	return err
}

// RecordEvent stores a control event such as "feedback_started".
func (db *DB) RecordEvent(kind, detail string) error {
	_, err := db.Exec(
		`INSERT INTO control_events (session_id, event_unix_nanos, kind, detail) VALUES (?, ?, ?, ?)`,
		db.session.String(), time.Now().UnixNano(), kind, detail,
	)
	return err
}

// Event is a stored control event.
type Event struct {
	Time   time.Time `json:"time"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
}

// RecentFeedback returns up to limit feedback ticks of the current session,
// newest first.
func (db *DB) RecentFeedback(limit int) ([]autofocus.FeedbackTick, error) {
	rows, err := db.Query(
		`SELECT tick_unix_nanos, peak, setpoint, error, actuation, moved, failure
		FROM feedback_ticks WHERE session_id = ?
		ORDER BY tick_id DESC LIMIT ?`,
		db.session.String(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ticks []autofocus.FeedbackTick
	for rows.Next() {
		var (
			nanos   int64
			t       autofocus.FeedbackTick
			failure sql.NullString
		)
		if err := rows.Scan(&nanos, &t.Peak, &t.Setpoint, &t.Error, &t.Actuation, &t.Moved, &failure); err != nil {
			return nil, err
		}
		t.Time = time.Unix(0, nanos)
		t.Failure = failure.String
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

// RecentEvents returns up to limit control events of the current session,
// newest first.
func (db *DB) RecentEvents(limit int) ([]Event, error) {
	rows, err := db.Query(
		`SELECT event_unix_nanos, kind, detail FROM control_events
		WHERE session_id = ? ORDER BY event_id DESC LIMIT ?`,
		db.session.String(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			nanos int64
			e     Event
		)
		if err := rows.Scan(&nanos, &e.Kind, &e.Detail); err != nil {
			return nil, err
		}
		e.Time = time.Unix(0, nanos)
		events = append(events, e)
	}
	return events, rows.Err()
}

func limitParam(r *http.Request, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return def
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Focus log",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.HandleFunc("focus-log", "recent feedback ticks and control events (JSON)", func(w http.ResponseWriter, r *http.Request) {
		limit := limitParam(r, 100)
		ticks, err := db.RecentFeedback(limit)
		if err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read feedback ticks: %v", err))
			return
		}
		events, err := db.RecentEvents(limit)
		if err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read events: %v", err))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"session":  db.session.String(),
			"feedback": ticks,
			"events":   events,
		})
	})

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("autofocus-backup-%d.db", time.Now().Unix()))
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				monitoring.Logf("[db] failed to remove backup file: %v", err)
			}
		}()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
		w.Header().Set("Content-Type", "application/gzip")
		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			monitoring.Logf("[db] failed to stream backup: %v", err)
		}
	}))
	return nil
}
