// Package journal records cluster sessions in sqlite: when a cluster came
// up, what it agreed on, how long it ran and why it stopped.
package journal

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/cluster-bridge/internal/cluster"
	"github.com/banshee-data/cluster-bridge/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var logf = monitoring.Tagged("journal")

// ErrNotFound is returned for an unknown session id.
var ErrNotFound = errors.New("session not found")

// Journal is the session store.
type Journal struct {
	*sql.DB
	path string
	now  func() time.Time
}

// connPragmas run on every connection the pool opens.
var connPragmas = []string{"foreign_keys(1)", "busy_timeout(5000)"}

// dsn appends connPragmas to path in the form the sqlite driver applies
// per connection.
func dsn(path string) string {
	var b strings.Builder
	b.WriteString(path)
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	for _, p := range connPragmas {
		b.WriteString(sep + "_pragma=" + p)
		sep = "&"
	}
	return b.String()
}

// Open opens (creating if needed) the journal at path and migrates it to
// the latest schema.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	j := &Journal{DB: db, path: path, now: time.Now}
	if err := j.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// Path returns the database path the journal was opened with.
func (j *Journal) Path() string { return j.path }

// MigrateUp applies every pending migration.
func (j *Journal) MigrateUp() error {
	m, err := j.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: closing it would close the shared connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the schema version and dirty flag. It returns
// 0, false, nil on an unmigrated database.
func (j *Journal) MigrateVersion() (uint, bool, error) {
	m, err := j.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (j *Journal) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(j.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// migrateLogger routes golang-migrate output through the package logger.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) { logf("migrate: "+format, v...) }

func (migrateLogger) Verbose() bool { return false }

// Session is one cluster lifetime as recorded in the journal. Dimension
// fields stay zero until the handshake finalizes.
type Session struct {
	ID               uuid.UUID  `json:"id"`
	Namespace        string     `json:"namespace"`
	ClusterSize      int        `json:"cluster_size"`
	NDofs            int        `json:"n_dofs"`
	NContacts        int        `json:"n_contacts"`
	ExtraPayloadSize int        `json:"extra_payload_size"`
	JointNames       []string   `json:"joint_names"`
	StartedAt        time.Time  `json:"started_at"`
	FinalizedAt      *time.Time `json:"finalized_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	Steps            int64      `json:"steps"`
	EndReason        string     `json:"end_reason,omitempty"`
}

// Running reports whether the session has not ended.
func (s *Session) Running() bool { return s.EndedAt == nil }

// BeginSession records a new session for namespace and returns its id.
func (j *Journal) BeginSession(namespace string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := j.Exec(
		`INSERT INTO cluster_sessions (session_id, namespace, started_unix_ns) VALUES (?, ?, ?)`,
		id.String(), namespace, j.now().UnixNano(),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin session: %w", err)
	}
	logf("session %s started for %q", id, namespace)
	return id, nil
}

// MarkFinalized stores the dimensions the handshake agreed on.
func (j *Journal) MarkFinalized(id uuid.UUID, dims cluster.Dimensions) error {
	names, err := json.Marshal(dims.JointNames)
	if err != nil {
		return err
	}
	return j.update(id, "finalize",
		`UPDATE cluster_sessions
		    SET cluster_size = ?, n_dofs = ?, n_contacts = ?, extra_payload_size = ?,
		        joint_names_json = ?, finalized_unix_ns = ?
		  WHERE session_id = ?`,
		dims.ClusterSize, dims.NDofs, dims.NContacts, dims.ExtraPayloadSize,
		string(names), j.now().UnixNano(), id.String(),
	)
}

// RecordSteps updates the running step count of a session.
func (j *Journal) RecordSteps(id uuid.UUID, steps int64) error {
	return j.update(id, "record steps",
		`UPDATE cluster_sessions SET steps = ? WHERE session_id = ?`,
		steps, id.String(),
	)
}

// RecordStepTiming stores how long the orchestrator waited for every
// controller to acknowledge step.
func (j *Journal) RecordStepTiming(id uuid.UUID, step int64, ackWait time.Duration) error {
	_, err := j.Exec(
		`INSERT OR REPLACE INTO step_timings (session_id, step, ack_wait_ns, recorded_unix_ns) VALUES (?, ?, ?, ?)`,
		id.String(), step, ackWait.Nanoseconds(), j.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record step timing: %w", err)
	}
	return nil
}

// StepTimings returns the ack waits recorded for a session keyed by step.
func (j *Journal) StepTimings(id uuid.UUID) (map[int64]time.Duration, error) {
	rows, err := j.Query(`SELECT step, ack_wait_ns FROM step_timings WHERE session_id = ? ORDER BY step`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]time.Duration)
	for rows.Next() {
		var step, ns int64
		if err := rows.Scan(&step, &ns); err != nil {
			return nil, err
		}
		out[step] = time.Duration(ns)
	}
	return out, rows.Err()
}

// EndSession closes a session with its final step count and the reason it
// stopped.
func (j *Journal) EndSession(id uuid.UUID, steps int64, reason string) error {
	err := j.update(id, "end session",
		`UPDATE cluster_sessions SET steps = ?, end_reason = ?, ended_unix_ns = ? WHERE session_id = ?`,
		steps, reason, j.now().UnixNano(), id.String(),
	)
	if err == nil {
		logf("session %s ended after %d steps: %s", id, steps, reason)
	}
	return err
}

func (j *Journal) update(id uuid.UUID, what, query string, args ...interface{}) error {
	res, err := j.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

const sessionColumns = `session_id, namespace, cluster_size, n_dofs, n_contacts, extra_payload_size,
	joint_names_json, started_unix_ns, finalized_unix_ns, ended_unix_ns, steps, end_reason`

// Session returns one session by id.
func (j *Journal) Session(id uuid.UUID) (*Session, error) {
	row := j.QueryRow(`SELECT `+sessionColumns+` FROM cluster_sessions WHERE session_id = ?`, id.String())
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return s, err
}

// ListSessions returns up to limit sessions, newest first. A limit of zero
// or less returns every session.
func (j *Journal) ListSessions(limit int) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM cluster_sessions ORDER BY started_unix_ns DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := j.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(sc scanner) (*Session, error) {
	var (
		s                           Session
		id                          string
		size, dofs, contacts, extra sql.NullInt64
		names, reason               sql.NullString
		started                     int64
		finalized, ended            sql.NullInt64
	)
	if err := sc.Scan(&id, &s.Namespace, &size, &dofs, &contacts, &extra,
		&names, &started, &finalized, &ended, &s.Steps, &reason); err != nil {
		return nil, err
	}

	var err error
	if s.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("bad session id %q: %w", id, err)
	}
	s.ClusterSize = int(size.Int64)
	s.NDofs = int(dofs.Int64)
	s.NContacts = int(contacts.Int64)
	s.ExtraPayloadSize = int(extra.Int64)
	if names.Valid && names.String != "" {
		if err := json.Unmarshal([]byte(names.String), &s.JointNames); err != nil {
			return nil, fmt.Errorf("bad joint names for %s: %w", id, err)
		}
	}
	s.StartedAt = time.Unix(0, started)
	if finalized.Valid {
		t := time.Unix(0, finalized.Int64)
		s.FinalizedAt = &t
	}
	if ended.Valid {
		t := time.Unix(0, ended.Int64)
		s.EndedAt = &t
	}
	s.EndReason = reason.String
	return &s, nil
}
