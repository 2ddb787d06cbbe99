package legacy

import (
	"context"
	"time"
)

// StatusRecord is one row of the legacy status feed. PatientKey may be
// a record number or the legacy system's own patient identifier; the
// reconciler resolves it across both key spaces.
type StatusRecord struct {
	PatientKey        string     `json:"patient_key"`
	DeclaredStatus    string     `json:"declared_status"`
	LastAdmissionDate *time.Time `json:"last_admission_date,omitempty"`
}

// Page is one chunk of the feed. Cursor is opaque to the caller; an
// empty Cursor means the feed is exhausted.
type Page struct {
	Records []StatusRecord `json:"records"`
	Cursor  string         `json:"cursor"`
}

// Feed provides paged access to the legacy system's declared patient
// statuses
type Feed interface {
	// FetchPage returns the next chunk after cursor; pass an empty
	// cursor to start from the beginning
	FetchPage(ctx context.Context, cursor string, limit int) (*Page, error)

	// SourceSystem identifies the feed for logging and metrics
	SourceSystem() string

	// Lifecycle
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) error
}

// Config holds settings shared by feed implementations
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`
	SSLMode  string `json:"ssl_mode"`

	BatchSize    int           `json:"batch_size"`
	PollInterval time.Duration `json:"poll_interval"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Port:         1433,
		SSLMode:      "disable",
		BatchSize:    100,
		PollInterval: 15 * time.Minute,
	}
}
