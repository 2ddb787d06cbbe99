package infomed

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/denisenkom/go-mssqldb" // SQL Server driver

	"github.com/carlosapgomes/eqmd/internal/adapters/legacy"
)

// Adapter implements legacy.Feed against an InfoMedis HIS database.
// Pages are keyed on the patient identifier so a resumed batch never
// re-reads rows it already processed.
type Adapter struct {
	db     *sql.DB
	config Config

	running bool
	mu      sync.RWMutex
}

// Config holds InfoMedis adapter configuration
type Config struct {
	legacy.Config

	// InfoMedis-specific settings
	PatientTable string `json:"patient_table"`
}

// DefaultInfomedConfig returns default InfoMedis configuration
func DefaultInfomedConfig() Config {
	return Config{
		Config:       legacy.DefaultConfig(),
		PatientTable: "dbo.Patients",
	}
}

// New creates a new InfoMedis adapter
func New(cfg Config) (*Adapter, error) {
	if cfg.PatientTable == "" {
		cfg.PatientTable = "dbo.Patients"
	}
	return &Adapter{config: cfg}, nil
}

// Start initializes the database connection
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("adapter already running")
	}

	connStr := fmt.Sprintf("server=%s;port=%d;database=%s;user id=%s;password=%s",
		a.config.Host,
		a.config.Port,
		a.config.Database,
		a.config.User,
		a.config.Password,
	)

	if a.config.SSLMode != "disable" {
		connStr += ";encrypt=true;TrustServerCertificate=true"
	}

	db, err := sql.Open("sqlserver", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	a.db = db
	a.running = true
	return nil
}

// Stop closes the database connection
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return nil
	}

	if a.db != nil {
		a.db.Close()
	}

	a.running = false
	return nil
}

// Health checks database connectivity
func (a *Adapter) Health(ctx context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.running {
		return fmt.Errorf("adapter not running")
	}

	return a.db.PingContext(ctx)
}

// SourceSystem returns the source system name
func (a *Adapter) SourceSystem() string {
	return "infomed"
}

// IsConnected returns connection status
func (a *Adapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running && a.db != nil
}

// FetchPage returns the next chunk of declared statuses after cursor.
// The cursor is the InfoMedis patient key of the last row returned.
func (a *Adapter) FetchPage(ctx context.Context, cursor string, limit int) (*legacy.Page, error) {
	if !a.IsConnected() {
		return nil, fmt.Errorf("adapter not connected")
	}

	if limit <= 0 {
		limit = a.config.BatchSize
	}

	query := fmt.Sprintf(`
		SELECT TOP (@limit)
			PatientKey,
			CurrentStatus,
			LastAdmissionDate
		FROM %s
		WHERE PatientKey > @cursor
		ORDER BY PatientKey ASC
	`, a.config.PatientTable)

	rows, err := a.db.QueryContext(ctx, query,
		sql.Named("limit", limit),
		sql.Named("cursor", cursor),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query status feed: %w", err)
	}
	defer rows.Close()

	page := &legacy.Page{}
	for rows.Next() {
		var record legacy.StatusRecord
		var status sql.NullString
		var lastAdmission sql.NullTime

		if err := rows.Scan(&record.PatientKey, &status, &lastAdmission); err != nil {
			return nil, fmt.Errorf("failed to scan status record: %w", err)
		}

		if status.Valid {
			record.DeclaredStatus = status.String
		}
		if lastAdmission.Valid {
			t := lastAdmission.Time
			record.LastAdmissionDate = &t
		}

		page.Records = append(page.Records, record)
		page.Cursor = record.PatientKey
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read status feed: %w", err)
	}

	// A short page means the table is exhausted
	if len(page.Records) < limit {
		page.Cursor = ""
	}

	return page, nil
}

// Verify interface implementation
var _ legacy.Feed = (*Adapter)(nil)
