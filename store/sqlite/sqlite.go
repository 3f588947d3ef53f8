/*
Package sqlite provides the SQLite-backed persistence for the QC dashboard.

PURPOSE:
  Two kinds of state live here:
  1. The survey registry ("surveys" table): one row per registered survey
     with its form id, quota spec, decoder override, location universe and
     last-refresh timestamp.
  2. Per-survey data tables, fully rebuilt on every refresh:
       {survey}            normalized submissions
       {survey}_rekap_all  roll-up, village grain with full path
       {survey}_rekap_prov roll-up to province (carries percent columns)
       {survey}_rekap_kab  roll-up to regency
       {survey}_rekap_kec  roll-up to district
       {survey}_rekap_kel  roll-up to village

ATOMIC REPLACE:
  SaveDataset drops and recreates all six tables of one survey inside a
  single SQL transaction. SQLite DDL participates in transactions, so a
  reader sees either the pre-refresh or the fully-post-refresh table set,
  never a mix. A crash mid-write rolls the whole refresh back.

IDENTIFIER SAFETY:
  Survey names become table names, so they are restricted to
  [A-Za-z_][A-Za-z0-9_]* at registration and re-checked here before any
  string interpolation into SQL. "surveys" and names containing the
  "_rekap_" suffix are reserved so a survey's tables can never shadow the
  registry or another survey's roll-ups.

WAL MODE:
  The database is opened with WAL so datamart reads don't block refresh
  writes.

CONCURRENCY:
  sync.RWMutex serializes writers; distinct surveys' refreshes contend only
  briefly on the swap transaction.

SEE ALSO:
  - recap: the Dataset type persisted here
  - datamart: the read facade over these tables
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kedaikopi/surveyqc/recap"
	"github.com/kedaikopi/surveyqc/survey"
)

// Store implements the survey registry and per-survey table persistence.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a store backed by the given database path. Use ":memory:" for
// an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Survey registry
	CREATE TABLE IF NOT EXISTS surveys (
		name TEXT PRIMARY KEY,
		form_id TEXT NOT NULL,
		last_refresh TEXT,
		location_universe_json TEXT NOT NULL,
		region_map_json TEXT NOT NULL,
		quota_spec_json TEXT NOT NULL,
		target_column TEXT,
		decoder_json TEXT,
		created_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SURVEY REGISTRY
// =============================================================================

// SurveyRecord is one registry row.
type SurveyRecord struct {
	Name             string
	FormID           string
	LastRefresh      *time.Time
	LocationUniverse json.RawMessage // {"PROV": [...], "KOTA_KAB": [...], ...}
	RegionMap        json.RawMessage // village -> WILAYAH
	QuotaSpec        json.RawMessage // quota.Spec
	TargetColumn     string          // "" when the plan has no category split
	Decoder          json.RawMessage // decode.Table override, nil when absent
	CreatedAt        time.Time
}

var surveyNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidSurveyName reports whether a name is safe to use as a table name.
// The registry's own table is reserved: a survey named "surveys" would make
// SaveDataset drop the registry itself. The roll-up suffix is reserved too,
// so one survey's tables can never collide with another's.
func ValidSurveyName(name string) bool {
	if name == "surveys" || strings.Contains(name, "_rekap_") {
		return false
	}
	return surveyNameRE.MatchString(name)
}

// SaveSurvey inserts a registry row.
func (s *Store) SaveSurvey(ctx context.Context, rec SurveyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ValidSurveyName(rec.Name) {
		return survey.Validationf("invalid survey name %q", rec.Name)
	}

	query := `
		INSERT INTO surveys
		(name, form_id, last_refresh, location_universe_json, region_map_json,
		 quota_spec_json, target_column, decoder_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.Name,
		rec.FormID,
		nullTime(rec.LastRefresh),
		string(rec.LocationUniverse),
		string(rec.RegionMap),
		string(rec.QuotaSpec),
		nullString(rec.TargetColumn),
		nullString(string(rec.Decoder)),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save survey %s: %w", rec.Name, err)
	}
	return nil
}

// GetSurvey loads one registry row.
func (s *Store) GetSurvey(ctx context.Context, name string) (SurveyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT name, form_id, last_refresh, location_universe_json,
		       region_map_json, quota_spec_json, target_column, decoder_json, created_at
		FROM surveys WHERE name = ?`, name)

	rec, err := scanSurvey(row)
	if err == sql.ErrNoRows {
		return SurveyRecord{}, fmt.Errorf("%w: %s", survey.ErrSurveyNotFound, name)
	}
	if err != nil {
		return SurveyRecord{}, fmt.Errorf("failed to load survey %s: %w", name, err)
	}
	return rec, nil
}

// ListSurveys returns every registry row, most recently refreshed first.
func (s *Store) ListSurveys(ctx context.Context) ([]SurveyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, form_id, last_refresh, location_universe_json,
		       region_map_json, quota_spec_json, target_column, decoder_json, created_at
		FROM surveys ORDER BY last_refresh DESC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list surveys: %w", err)
	}
	defer rows.Close()

	var out []SurveyRecord
	for rows.Next() {
		rec, err := scanSurvey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan survey: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteSurvey removes a survey's registry row and drops its six data
// tables, atomically.
func (s *Store) DeleteSurvey(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ValidSurveyName(name) {
		return survey.Validationf("invalid survey name %q", name)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM surveys WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete survey %s: %w", name, err)
	}
	for _, table := range dataTables(name) {
		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS "`+table+`"`); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// TouchLastRefresh records a completed refresh. Callers skip this when a
// cycle fails, so the timestamp always describes the persisted tables.
func (s *Store) TouchLastRefresh(ctx context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE surveys SET last_refresh = ? WHERE name = ?`,
		at.UTC().Format(time.RFC3339), name)
	if err != nil {
		return fmt.Errorf("failed to update last refresh for %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", survey.ErrSurveyNotFound, name)
	}
	return nil
}

// =============================================================================
// PER-SURVEY DATA TABLES
// =============================================================================

func dataTables(name string) []string {
	out := []string{name}
	for _, level := range survey.Levels() {
		out = append(out, rollupTable(name, level))
	}
	return out
}

func rollupTable(name string, level survey.Level) string {
	return fmt.Sprintf("%s_rekap_%s", name, level)
}

// SaveDataset replaces the full table set of one survey in a single
// transaction: the refresh is atomic from a reader's point of view.
func (s *Store) SaveDataset(ctx context.Context, name string, ds recap.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ValidSurveyName(name) {
		return survey.Validationf("invalid survey name %q", name)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := writeSubmissions(ctx, tx, name, ds.Submissions); err != nil {
		return err
	}
	for _, level := range survey.Levels() {
		table, ok := ds.Tables[level]
		if !ok {
			return fmt.Errorf("dataset for %s is missing the %s roll-up", name, level)
		}
		if err := writeRollup(ctx, tx, rollupTable(name, level), level, table); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func writeSubmissions(ctx context.Context, tx *sql.Tx, name string, subs []survey.Submission) error {
	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS "`+name+`"`); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", name, err)
	}
	q := `CREATE TABLE "` + name + `" (
		province TEXT NOT NULL,
		regency TEXT NOT NULL,
		district TEXT NOT NULL,
		village TEXT NOT NULL,
		region TEXT,
		respondent TEXT,
		household TEXT,
		enumerator TEXT,
		review_status TEXT NOT NULL,
		qc_note TEXT,
		link TEXT,
		extra_json TEXT
	)`
	if _, err := tx.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("failed to create table %s: %w", name, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO "`+name+`" VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert for %s: %w", name, err)
	}
	defer stmt.Close()

	for _, sub := range subs {
		extraJSON, _ := json.Marshal(sub.Extra)
		_, err := stmt.ExecContext(ctx,
			sub.Location.Province,
			sub.Location.Regency,
			sub.Location.District,
			sub.Location.Village,
			sub.Region,
			sub.Respondent,
			sub.Household,
			sub.Enumerator,
			string(sub.Status),
			sub.QCNote,
			sub.Link,
			string(extraJSON),
		)
		if err != nil {
			return fmt.Errorf("failed to insert submission into %s: %w", name, err)
		}
	}
	return nil
}

func writeRollup(ctx context.Context, tx *sql.Tx, table string, level survey.Level, t recap.Table) error {
	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS "`+table+`"`); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", table, err)
	}

	cols := `
		province TEXT NOT NULL,
		regency TEXT,
		district TEXT,
		village TEXT,
		category TEXT,
		sample INTEGER NOT NULL,
		approved INTEGER NOT NULL,
		rejected INTEGER NOT NULL,
		awaiting INTEGER NOT NULL,
		target INTEGER NOT NULL,
		deficit INTEGER NOT NULL`
	if level == survey.LevelProvince {
		cols += `,
		approved_percent REAL NOT NULL,
		rejected_percent REAL NOT NULL,
		awaiting_percent REAL NOT NULL,
		target_percent REAL NOT NULL`
	}
	if _, err := tx.ExecContext(ctx, `CREATE TABLE "`+table+`" (`+cols+`)`); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}

	placeholders := "?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?"
	if level == survey.LevelProvince {
		placeholders += ", ?, ?, ?, ?"
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO "`+table+`" VALUES (`+placeholders+`)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert for %s: %w", table, err)
	}
	defer stmt.Close()

	for _, r := range t.Rows {
		args := []any{
			r.Location.Province,
			r.Location.Regency,
			r.Location.District,
			r.Location.Village,
			r.Category,
			r.Sample, r.Approved, r.Rejected, r.Awaiting, r.Target, r.Deficit,
		}
		if level == survey.LevelProvince {
			args = append(args, r.ApprovedPct, r.RejectedPct, r.AwaitingPct, r.TargetPct)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to insert roll-up row into %s: %w", table, err)
		}
	}
	return nil
}

// LoadSubmissions reads a survey's normalized table.
func (s *Store) LoadSubmissions(ctx context.Context, name string) ([]survey.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !ValidSurveyName(name) {
		return nil, survey.Validationf("invalid survey name %q", name)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT province, regency, district, village, region, respondent,
		       household, enumerator, review_status, qc_note, link, extra_json
		FROM "`+name+`"`)
	if err != nil {
		return nil, fmt.Errorf("failed to load submissions for %s: %w", name, err)
	}
	defer rows.Close()

	var out []survey.Submission
	for rows.Next() {
		var sub survey.Submission
		var status, extraJSON string
		err := rows.Scan(
			&sub.Location.Province, &sub.Location.Regency,
			&sub.Location.District, &sub.Location.Village,
			&sub.Region, &sub.Respondent, &sub.Household, &sub.Enumerator,
			&status, &sub.QCNote, &sub.Link, &extraJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		sub.Status = survey.ReviewStatus(status)
		if extraJSON != "" {
			if err := json.Unmarshal([]byte(extraJSON), &sub.Extra); err != nil {
				return nil, fmt.Errorf("failed to decode extra columns: %w", err)
			}
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// LoadRollup reads one persisted roll-up table.
func (s *Store) LoadRollup(ctx context.Context, name string, level survey.Level) (recap.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !ValidSurveyName(name) {
		return recap.Table{}, survey.Validationf("invalid survey name %q", name)
	}

	cols := `province, regency, district, village, category,
	         sample, approved, rejected, awaiting, target, deficit`
	if level == survey.LevelProvince {
		cols += `, approved_percent, rejected_percent, awaiting_percent, target_percent`
	}
	table := rollupTable(name, level)
	rows, err := s.db.QueryContext(ctx, `SELECT `+cols+` FROM "`+table+`"`)
	if err != nil {
		return recap.Table{}, fmt.Errorf("failed to load roll-up %s: %w", table, err)
	}
	defer rows.Close()

	t := recap.Table{Level: level}
	for rows.Next() {
		var r recap.Row
		dest := []any{
			&r.Location.Province, &r.Location.Regency,
			&r.Location.District, &r.Location.Village, &r.Category,
			&r.Sample, &r.Approved, &r.Rejected, &r.Awaiting, &r.Target, &r.Deficit,
		}
		if level == survey.LevelProvince {
			dest = append(dest, &r.ApprovedPct, &r.RejectedPct, &r.AwaitingPct, &r.TargetPct)
		}
		if err := rows.Scan(dest...); err != nil {
			return recap.Table{}, fmt.Errorf("failed to scan roll-up row: %w", err)
		}
		t.Rows = append(t.Rows, r)
	}
	return t, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSurvey(row scanner) (SurveyRecord, error) {
	var rec SurveyRecord
	var lastRefresh, targetColumn, decoderJSON sql.NullString
	var universe, regions, quotaSpec, createdAt string

	err := row.Scan(&rec.Name, &rec.FormID, &lastRefresh, &universe,
		&regions, &quotaSpec, &targetColumn, &decoderJSON, &createdAt)
	if err != nil {
		return SurveyRecord{}, err
	}

	rec.LocationUniverse = json.RawMessage(universe)
	rec.RegionMap = json.RawMessage(regions)
	rec.QuotaSpec = json.RawMessage(quotaSpec)
	rec.TargetColumn = targetColumn.String
	if decoderJSON.Valid {
		rec.Decoder = json.RawMessage(decoderJSON.String)
	}
	if lastRefresh.Valid {
		if t, err := time.Parse(time.RFC3339, lastRefresh.String); err == nil {
			rec.LastRefresh = &t
		}
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		rec.CreatedAt = t
	}
	return rec, nil
}
