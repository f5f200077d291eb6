// Package scanarchive persists finished mass scans through database/sql so
// past runs stay queryable after the PNGs are written.  SQLite, Genji and
// DuckDB keep everything in a local file; pgx targets a shared PostgreSQL.
// Driver registration lives in the drivers subpackage so test builds stay
// light.
package scanarchive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"runtime"
	"strings"
	"time"
)

// ErrDisabled reports that archiving was switched off on the command line.
var ErrDisabled = errors.New("scanarchive: disabled")

// Config holds the connection details for the archive backend.
type Config struct {
	DBType string // sqlite | genji | duckdb | pgx | off
	DBPath string // file path for the embedded engines
	DBConn string // raw DSN for pgx
	Port   int    // used in default file naming
}

// Scan is one archived field/gas sweep with its summary numbers.  The JSON
// tags shape the monitor endpoints.
type Scan struct {
	ID             int64   `json:"id"`
	StartedAt      int64   `json:"started_at"` // unix seconds
	Field          string  `json:"field"`
	Gas            string  `json:"gas"`
	EnergyKeV      float64 `json:"energy_kev"`
	MassFromEV     float64 `json:"mass_from_ev"`
	MassToEV       float64 `json:"mass_to_ev"`
	Points         int     `json:"points"`
	StepMM         float64 `json:"step_mm"`
	SamplesPerStep int     `json:"samples_per_step"`
	Coupling       float64 `json:"coupling"`
	MeanP          float64 `json:"mean_p"`
	PeakP          float64 `json:"peak_p"`
	PeakMassEV     float64 `json:"peak_mass_ev"`
	Warnings       int     `json:"warnings"`
}

// PointRow is one probability sample inside an archived scan.
type PointRow struct {
	ScanID    int64   `json:"scan_id"`
	Idx       int     `json:"idx"`
	MassEV    float64 `json:"mass_ev"`
	P         float64 `json:"p"`
	Sigma     float64 `json:"sigma"`
	ElapsedMS float64 `json:"elapsed_ms"`
	Warning   bool    `json:"warning"`
}

// Archive wraps the sql.DB handle together with the driver name, which the
// query paths switch on for dialect differences.
type Archive struct {
	DB     *sql.DB
	Driver string

	idGenerator chan int64
}

// normalizeDBType trims and lowercases driver names so the switch blocks
// below never miss a backend because a caller passed mixed case.
func normalizeDBType(dbType string) string {
	return strings.ToLower(strings.TrimSpace(dbType))
}

// startIDGenerator launches a goroutine for generating unique scan IDs.
func startIDGenerator(initialID int64) chan int64 {
	idChannel := make(chan int64)
	go func(start int64) {
		currentID := start
		for {
			idChannel <- currentID
			currentID++
		}
	}(initialID)
	return idChannel
}

// fileDSN picks the on-disk location for the embedded engines.
func fileDSN(cfg Config, driver string) string {
	if cfg.DBPath != "" {
		return cfg.DBPath
	}
	return fmt.Sprintf("scan-archive-%d.%s", cfg.Port, driver)
}

// New opens the archive and configures connection pooling.  The embedded
// engines run over a single underlying connection so concurrent saves
// serialize at the pool instead of racing inside the file.
func New(cfg Config) (*Archive, error) {
	driverName := normalizeDBType(cfg.DBType)

	var dsn string
	switch driverName {
	case "", "off":
		return nil, ErrDisabled
	case "sqlite", "genji", "duckdb":
		dsn = fileDSN(cfg, driverName)
	case "pgx":
		dsn = strings.TrimSpace(cfg.DBConn)
		if dsn == "" {
			return nil, fmt.Errorf("scanarchive: pgx needs -db-dsn")
		}
	default:
		return nil, fmt.Errorf("scanarchive: unsupported database type: %s", cfg.DBType)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("scanarchive: open: %w", err)
	}

	switch driverName {
	case "sqlite", "genji":
		// One physical connection; no concurrent statements at DB layer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		if driverName == "sqlite" {
			tuneCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := tuneSQLiteConnection(tuneCtx, db, log.Printf); err != nil {
				log.Printf("sqlite tuning skipped: %v", err)
			}
			cancel()
		}
	case "duckdb":
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		tuneCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := tuneDuckDBConnection(tuneCtx, db, log.Printf); err != nil {
			log.Printf("duckdb tuning skipped: %v", err)
		}
		cancel()
	}

	{
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("scanarchive: connect: %w", err)
		}
	}

	if driverName == "pgx" {
		// The DSN can carry credentials; keep it out of the log.
		log.Printf("scanarchive: driver pgx")
	} else {
		log.Printf("scanarchive: driver %s, file %s", driverName, dsn)
	}

	// Bootstrap the ID generator from the highest stored scan so every run
	// keeps appending.  The error is ignored because the table may not
	// exist yet on a fresh file.
	var maxID sql.NullInt64
	_ = db.QueryRow(`SELECT MAX(id) FROM scans`).Scan(&maxID)
	initialID := int64(1)
	if maxID.Valid && maxID.Int64 >= initialID {
		initialID = maxID.Int64 + 1
	}

	return &Archive{
		DB:          db,
		Driver:      driverName,
		idGenerator: startIDGenerator(initialID),
	}, nil
}

// Close releases the underlying pool.
func (a *Archive) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

// tuneSQLiteConnection applies WAL/synchronous/busy pragmas.  The steps run
// through a small channel pipeline so the work happens outside the caller
// goroutine.
func tuneSQLiteConnection(ctx context.Context, db *sql.DB, logf func(string, ...any)) error {
	type pragma struct {
		label     string
		query     string
		expectRow bool
	}

	steps := []pragma{
		{label: "journal_mode", query: "PRAGMA journal_mode=WAL;", expectRow: true},
		{label: "synchronous", query: "PRAGMA synchronous=NORMAL;"},
		{label: "temp_store", query: "PRAGMA temp_store=MEMORY;"},
		{label: "busy_timeout", query: "PRAGMA busy_timeout=5000;"},
	}

	// Buffered to the step count: the producer must finish even when the
	// consumer stops at a failed pragma.
	jobs := make(chan pragma, len(steps))
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		for step := range jobs {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			default:
			}

			if step.expectRow {
				var mode string
				if err := db.QueryRowContext(ctx, step.query).Scan(&mode); err != nil {
					errs <- fmt.Errorf("apply %s: %w", step.label, err)
					return
				}
				logf("sqlite tuning %s -> %s", step.label, mode)
				continue
			}

			if _, err := db.ExecContext(ctx, step.query); err != nil {
				errs <- fmt.Errorf("apply %s: %w", step.label, err)
				return
			}
			logf("sqlite tuning %s applied", step.label)
		}
		errs <- nil
	}()

	go func() {
		defer close(jobs)
		for _, step := range steps {
			jobs <- step
		}
	}()

	return <-errs
}

// tuneDuckDBConnection raises the thread count so the vectorised engine
// uses the CPUs it has; container defaults can be conservative.
func tuneDuckDBConnection(ctx context.Context, db *sql.DB, logf func(string, ...any)) error {
	threads := runtime.NumCPU()
	if threads < 1 {
		threads = 1
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA threads=%d;", threads)); err != nil {
		return fmt.Errorf("apply threads: %w", err)
	}
	logf("duckdb tuning threads=%d applied", threads)
	return nil
}

// InitSchema creates the two tables synchronously so the first save can
// proceed immediately.
func (a *Archive) InitSchema() error {
	schema, err := schemaFor(a.Driver)
	if err != nil {
		return err
	}
	if _, err := a.DB.Exec(schema); err != nil {
		return fmt.Errorf("scanarchive: init schema: %w", err)
	}
	return nil
}

// schemaFor returns the dialect-specific DDL.  IDs come from the
// in-process generator, so every dialect keeps a plain integer primary
// key instead of SERIAL or sequences.
func schemaFor(driver string) (string, error) {
	var schema string

	switch driver {
	case "pgx":
		schema = `
CREATE TABLE IF NOT EXISTS scans (
  id               BIGINT PRIMARY KEY,
  started_at       BIGINT,
  field            TEXT,
  gas              TEXT,
  energy_kev       DOUBLE PRECISION,
  mass_from_ev     DOUBLE PRECISION,
  mass_to_ev       DOUBLE PRECISION,
  points           INTEGER,
  step_mm          DOUBLE PRECISION,
  samples_per_step INTEGER,
  coupling         DOUBLE PRECISION,
  mean_p           DOUBLE PRECISION,
  peak_p           DOUBLE PRECISION,
  peak_mass_ev     DOUBLE PRECISION,
  warnings         INTEGER
);

CREATE TABLE IF NOT EXISTS scan_points (
  scan_id    BIGINT,
  idx        INTEGER,
  mass_ev    DOUBLE PRECISION,
  p          DOUBLE PRECISION,
  sigma      DOUBLE PRECISION,
  elapsed_ms DOUBLE PRECISION,
  warning    INTEGER,
  CONSTRAINT scan_points_unique UNIQUE (scan_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_scans_started ON scans (started_at);
`

	case "sqlite":
		schema = `
CREATE TABLE IF NOT EXISTS scans (
  id               INTEGER PRIMARY KEY,
  started_at       BIGINT,
  field            TEXT,
  gas              TEXT,
  energy_kev       REAL,
  mass_from_ev     REAL,
  mass_to_ev       REAL,
  points           INTEGER,
  step_mm          REAL,
  samples_per_step INTEGER,
  coupling         REAL,
  mean_p           REAL,
  peak_p           REAL,
  peak_mass_ev     REAL,
  warnings         INTEGER
);

CREATE TABLE IF NOT EXISTS scan_points (
  scan_id    BIGINT,
  idx        INTEGER,
  mass_ev    REAL,
  p          REAL,
  sigma      REAL,
  elapsed_ms REAL,
  warning    INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_scan_points_unique
  ON scan_points (scan_id, idx);
CREATE INDEX IF NOT EXISTS idx_scans_started ON scans (started_at);
`

	case "genji":
		// Genji indexes cover one field, so the per-point uniqueness
		// guard stays out and lookups lean on the scan_id index.
		schema = `
CREATE TABLE IF NOT EXISTS scans (
  id               INTEGER PRIMARY KEY,
  started_at       INTEGER,
  field            TEXT,
  gas              TEXT,
  energy_kev       DOUBLE,
  mass_from_ev     DOUBLE,
  mass_to_ev       DOUBLE,
  points           INTEGER,
  step_mm          DOUBLE,
  samples_per_step INTEGER,
  coupling         DOUBLE,
  mean_p           DOUBLE,
  peak_p           DOUBLE,
  peak_mass_ev     DOUBLE,
  warnings         INTEGER
);

CREATE TABLE IF NOT EXISTS scan_points (
  scan_id    INTEGER,
  idx        INTEGER,
  mass_ev    DOUBLE,
  p          DOUBLE,
  sigma      DOUBLE,
  elapsed_ms DOUBLE,
  warning    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_scan_points_scan ON scan_points (scan_id);
CREATE INDEX IF NOT EXISTS idx_scans_started ON scans (started_at);
`

	case "duckdb":
		schema = `
CREATE TABLE IF NOT EXISTS scans (
  id               BIGINT PRIMARY KEY,
  started_at       BIGINT,
  field            TEXT,
  gas              TEXT,
  energy_kev       DOUBLE,
  mass_from_ev     DOUBLE,
  mass_to_ev       DOUBLE,
  points           INTEGER,
  step_mm          DOUBLE,
  samples_per_step INTEGER,
  coupling         DOUBLE,
  mean_p           DOUBLE,
  peak_p           DOUBLE,
  peak_mass_ev     DOUBLE,
  warnings         INTEGER
);

CREATE TABLE IF NOT EXISTS scan_points (
  scan_id    BIGINT,
  idx        INTEGER,
  mass_ev    DOUBLE,
  p          DOUBLE,
  sigma      DOUBLE,
  elapsed_ms DOUBLE,
  warning    INTEGER,
  CONSTRAINT scan_points_unique UNIQUE (scan_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_scans_started ON scans (started_at);
`

	default:
		return "", fmt.Errorf("scanarchive: no schema for driver %s", driver)
	}

	return schema, nil
}

const scanColumns = "id, started_at, field, gas, energy_kev, mass_from_ev, mass_to_ev, points, step_mm, samples_per_step, coupling, mean_p, peak_p, peak_mass_ev, warnings"

func (a *Archive) insertScanSQL() string {
	if a.Driver == "pgx" {
		return `INSERT INTO scans (` + scanColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
	}
	return `INSERT INTO scans (` + scanColumns + `)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
}

func (a *Archive) insertPointSQL() string {
	if a.Driver == "pgx" {
		return `INSERT INTO scan_points (scan_id, idx, mass_ev, p, sigma, elapsed_ms, warning)
VALUES ($1,$2,$3,$4,$5,$6,$7)`
	}
	return `INSERT INTO scan_points (scan_id, idx, mass_ev, p, sigma, elapsed_ms, warning)
VALUES (?,?,?,?,?,?,?)`
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Save stores one scan with its points and returns the assigned ID.
// PostgreSQL streams the points through COPY; the embedded engines insert
// them inside one transaction.
func (a *Archive) Save(ctx context.Context, scan Scan, points []PointRow) (int64, error) {
	if a == nil || a.DB == nil {
		return 0, fmt.Errorf("scanarchive: unavailable")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	scan.ID = <-a.idGenerator
	for i := range points {
		points[i].ScanID = scan.ID
		points[i].Idx = i
	}

	if a.Driver == "pgx" {
		if err := a.savePostgres(ctx, scan, points); err != nil {
			return 0, err
		}
		return scan.ID, nil
	}

	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("scanarchive: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, a.insertScanSQL(),
		scan.ID, scan.StartedAt, scan.Field, scan.Gas, scan.EnergyKeV,
		scan.MassFromEV, scan.MassToEV, scan.Points, scan.StepMM,
		scan.SamplesPerStep, scan.Coupling, scan.MeanP, scan.PeakP,
		scan.PeakMassEV, scan.Warnings); err != nil {
		return 0, fmt.Errorf("scanarchive: insert scan: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, a.insertPointSQL())
	if err != nil {
		return 0, fmt.Errorf("scanarchive: prepare points: %w", err)
	}
	defer stmt.Close()
	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, p.ScanID, p.Idx, p.MassEV, p.P,
			p.Sigma, p.ElapsedMS, boolToInt(p.Warning)); err != nil {
			return 0, fmt.Errorf("scanarchive: insert point %d: %w", p.Idx, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("scanarchive: commit: %w", err)
	}
	return scan.ID, nil
}

// RecentScans returns the newest scans first.
func (a *Archive) RecentScans(ctx context.Context, limit int) ([]Scan, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + scanColumns + ` FROM scans ORDER BY started_at DESC, id DESC LIMIT `
	if a.Driver == "pgx" {
		query += "$1"
	} else {
		query += "?"
	}

	rows, err := a.DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("scanarchive: recent scans: %w", err)
	}
	defer rows.Close()

	var scans []Scan
	for rows.Next() {
		var s Scan
		if err := rows.Scan(&s.ID, &s.StartedAt, &s.Field, &s.Gas,
			&s.EnergyKeV, &s.MassFromEV, &s.MassToEV, &s.Points, &s.StepMM,
			&s.SamplesPerStep, &s.Coupling, &s.MeanP, &s.PeakP,
			&s.PeakMassEV, &s.Warnings); err != nil {
			return nil, fmt.Errorf("scanarchive: scan row: %w", err)
		}
		scans = append(scans, s)
	}
	return scans, rows.Err()
}

// PointsForScan returns the stored curve for one scan in mass order.
func (a *Archive) PointsForScan(ctx context.Context, scanID int64) ([]PointRow, error) {
	query := `SELECT scan_id, idx, mass_ev, p, sigma, elapsed_ms, warning
FROM scan_points WHERE scan_id = `
	if a.Driver == "pgx" {
		query += "$1"
	} else {
		query += "?"
	}
	query += " ORDER BY idx"

	rows, err := a.DB.QueryContext(ctx, query, scanID)
	if err != nil {
		return nil, fmt.Errorf("scanarchive: points for scan %d: %w", scanID, err)
	}
	defer rows.Close()

	var points []PointRow
	for rows.Next() {
		var (
			p    PointRow
			warn int
		)
		if err := rows.Scan(&p.ScanID, &p.Idx, &p.MassEV, &p.P, &p.Sigma,
			&p.ElapsedMS, &warn); err != nil {
			return nil, fmt.Errorf("scanarchive: point row: %w", err)
		}
		p.Warning = warn != 0
		points = append(points, p)
	}
	return points, rows.Err()
}
