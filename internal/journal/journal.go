// Package journal provides durable storage for evaluation outcomes.
// Uses SQLite with WAL mode for concurrent read access.
//
// Two tables: an append-only outcome log keyed by update-cycle token, and
// a last-valid table holding the most recent concrete value per reference,
// which alternate-state handling reads back as the last known good value.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/derive/internal/formula"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added cycle/sensor indexes on outcomes
const currentSchemaVersion = 1

// Journal is the evaluation journal. Safe for concurrent use through the
// single-writer connection pool.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent, safe to call multiple times.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record appends one node outcome. Append-only: rows are never updated.
func (j *Journal) Record(cycleToken, sensor, node string, out formula.Outcome) error {
	var (
		kind      string
		valueType sql.NullString
		value     sql.NullString
		alternate sql.NullString
		errText   sql.NullString
	)

	switch out.Kind {
	case formula.OutcomeValue:
		kind = "value"
		vt, vv := encodeValue(out.Value)
		valueType = sql.NullString{String: vt, Valid: true}
		value = sql.NullString{String: vv, Valid: true}
	case formula.OutcomeAlternate:
		kind = "alternate"
		alternate = sql.NullString{String: out.Alternate.String(), Valid: true}
	case formula.OutcomeFatal:
		kind = "fatal"
		if out.Err != nil {
			errText = sql.NullString{String: out.Err.Error(), Valid: true}
		}
	default:
		return fmt.Errorf("record outcome: unknown kind %d", out.Kind)
	}

	_, err := j.db.Exec(`
		INSERT INTO outcomes (cycle_token, sensor, node, kind, value_type, value, alternate, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, cycleToken, sensor, node, kind, valueType, value, alternate, errText)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// StoreLastValid overwrites the last known good value for a reference.
func (j *Journal) StoreLastValid(reference string, v formula.Value, at time.Time) error {
	if v == nil {
		return nil
	}
	vt, vv := encodeValue(v)
	_, err := j.db.Exec(`
		INSERT INTO last_valid (reference, value_type, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(reference) DO UPDATE SET
			value_type = excluded.value_type,
			value = excluded.value,
			updated_at = excluded.updated_at
	`, reference, vt, vv, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store last valid: %w", err)
	}
	return nil
}

// LastValid returns the last known good value for a reference.
func (j *Journal) LastValid(reference string) (formula.Value, time.Time, bool) {
	var vt, vv, updated string
	err := j.db.QueryRow(`
		SELECT value_type, value, updated_at FROM last_valid WHERE reference = ?
	`, reference).Scan(&vt, &vv, &updated)
	if err != nil {
		return nil, time.Time{}, false
	}

	v, err := decodeValue(vt, vv)
	if err != nil {
		return nil, time.Time{}, false
	}
	at, _ := time.Parse(time.RFC3339Nano, updated)
	return v, at, true
}

// OutcomeRow is one journal row read back for inspection.
type OutcomeRow struct {
	CycleToken string
	Sensor     string
	Node       string
	Outcome    formula.Outcome
	CreatedAt  string
}

// OutcomesForCycle returns all outcomes recorded under a cycle token, in
// insertion order.
func (j *Journal) OutcomesForCycle(ctx context.Context, cycleToken string) ([]OutcomeRow, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT cycle_token, sensor, node, kind, value_type, value, alternate, error, created_at
		FROM outcomes WHERE cycle_token = ? ORDER BY id
	`, cycleToken)
	if err != nil {
		return nil, fmt.Errorf("outcomes for cycle: %w", err)
	}
	defer rows.Close()
	return scanOutcomes(rows)
}

// RecentOutcomes returns the newest outcomes for a sensor, most recent
// first.
func (j *Journal) RecentOutcomes(ctx context.Context, sensor string, limit int) ([]OutcomeRow, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT cycle_token, sensor, node, kind, value_type, value, alternate, error, created_at
		FROM outcomes WHERE sensor = ? ORDER BY id DESC LIMIT ?
	`, sensor, limit)
	if err != nil {
		return nil, fmt.Errorf("recent outcomes: %w", err)
	}
	defer rows.Close()
	return scanOutcomes(rows)
}

// Prune removes outcome rows older than the cutoff. Returns the number
// removed. last_valid rows are never pruned.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `
		DELETE FROM outcomes WHERE created_at < ?
	`, before.UTC().Format("2006-01-02T15:04:05.000Z"))
	if err != nil {
		return 0, fmt.Errorf("prune outcomes: %w", err)
	}
	return res.RowsAffected()
}

func scanOutcomes(rows *sql.Rows) ([]OutcomeRow, error) {
	var out []OutcomeRow
	for rows.Next() {
		var (
			row       OutcomeRow
			kind      string
			valueType sql.NullString
			value     sql.NullString
			alternate sql.NullString
			errText   sql.NullString
		)
		if err := rows.Scan(&row.CycleToken, &row.Sensor, &row.Node, &kind,
			&valueType, &value, &alternate, &errText, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}

		switch kind {
		case "value":
			v, err := decodeValue(valueType.String, value.String)
			if err != nil {
				return nil, fmt.Errorf("scan outcome: %w", err)
			}
			row.Outcome = formula.OK(v)
		case "alternate":
			row.Outcome = formula.AlternateOutcome(parseAlternate(alternate.String))
		case "fatal":
			row.Outcome = formula.FatalOutcome(fmt.Errorf("%s", errText.String))
		default:
			return nil, fmt.Errorf("scan outcome: unknown kind %q", kind)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// encodeValue lowers a value to its storage form.
func encodeValue(v formula.Value) (valueType, text string) {
	switch x := v.(type) {
	case formula.Number:
		return "number", strconv.FormatFloat(float64(x), 'g', -1, 64)
	case formula.Bool:
		return "bool", strconv.FormatBool(bool(x))
	case formula.Text:
		return "text", string(x)
	default:
		return "text", v.String()
	}
}

// decodeValue restores a value from its storage form.
func decodeValue(valueType, text string) (formula.Value, error) {
	switch valueType {
	case "number":
		n, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("decode number %q: %w", text, err)
		}
		return formula.Number(n), nil
	case "bool":
		b, err := strconv.ParseBool(text)
		if err != nil {
			return nil, fmt.Errorf("decode bool %q: %w", text, err)
		}
		return formula.Bool(b), nil
	case "text":
		return formula.Text(text), nil
	default:
		return nil, fmt.Errorf("decode value: unknown type %q", valueType)
	}
}

func parseAlternate(s string) formula.AlternateKind {
	switch s {
	case "unknown":
		return formula.AlternateUnknown
	case "unavailable":
		return formula.AlternateUnavailable
	default:
		return formula.AlternateAbsent
	}
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// Idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 adds the outcome indexes for databases created before v1.
// New databases get these from schema.sql; IF NOT EXISTS makes the
// migration a no-op there.
func migrateToV1(db *sql.DB) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_outcomes_cycle ON outcomes(cycle_token, id)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_sensor ON outcomes(sensor, id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	return nil
}
