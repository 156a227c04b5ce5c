package stores

import (
	"context"
	"errors"
	"time"

	"github.com/flowmend/flowmend/pkg/engine"
)

// ErrNotFound is returned when a session or deployment does not exist.
var ErrNotFound = errors.New("not found")

// DeploymentStatus represents the status of a production replay
type DeploymentStatus string

const (
	DeploymentSucceeded  DeploymentStatus = "succeeded"
	DeploymentRolledBack DeploymentStatus = "rolled_back"
	DeploymentFailed     DeploymentStatus = "failed"
)

// Session is the summary row of a persisted healing session
type Session struct {
	ID               string         `json:"id"`
	Flow             string         `json:"flow"`
	Outcome          engine.Outcome `json:"outcome"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      time.Time      `json:"completed_at"`
	Duration         time.Duration  `json:"duration"`
	NodesTotal       int            `json:"nodes_total"`
	NodesFailed      int            `json:"nodes_failed"`
	Heals            int            `json:"heals"`
	OracleCalls      int            `json:"oracle_calls"`
	TransientRetries int            `json:"transient_retries"`
	TeardownOK       bool           `json:"teardown_ok"`
	Error            *string        `json:"error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// NodeRecord is the final state of one node in a session
type NodeRecord struct {
	SessionID    string           `json:"session_id"`
	NodeID       string           `json:"node_id"`
	Name         string           `json:"name"`
	Type         string           `json:"type"`
	State        engine.NodeState `json:"state"`
	Heals        int              `json:"heals"`
	Tries        int              `json:"tries"`
	RemoteID     *string          `json:"remote_id,omitempty"`
	ErrorKind    *string          `json:"error_kind,omitempty"`
	ErrorCode    *string          `json:"error_code,omitempty"`
	ErrorMessage *string          `json:"error_message,omitempty"`
}

// AttemptRecord is one row of the append-only attempt log
type AttemptRecord struct {
	ID        int64         `json:"id"`
	SessionID string        `json:"session_id"`
	Seq       int           `json:"seq"`
	Subject   string        `json:"subject"`
	Try       int           `json:"try"`
	Action    string        `json:"action"`
	Outcome   string        `json:"outcome"`
	Error     *string       `json:"error,omitempty"`
	Detail    *string       `json:"detail,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	At        time.Time     `json:"at"`
}

// Deployment records one replay onto the production group
type Deployment struct {
	ID           string           `json:"id"`
	SessionID    *string          `json:"session_id,omitempty"`
	Flow         string           `json:"flow"`
	GroupID      string           `json:"group_id"`
	Status       DeploymentStatus `json:"status"`
	CreatedCount int              `json:"created_count"`
	RolledBack   bool             `json:"rolled_back"`
	Duration     time.Duration    `json:"duration"`
	Error        *string          `json:"error,omitempty"`
	Result       *string          `json:"result,omitempty"` // JSON blob
	CreatedAt    time.Time        `json:"created_at"`
}

// SessionFilter narrows ListSessions. Zero fields match everything.
type SessionFilter struct {
	Flow    string
	Outcome engine.Outcome
	Since   time.Time
	Limit   int
	Offset  int
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.ReportSink

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Session operations
	GetReport(ctx context.Context, sessionID string) (*engine.Report, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)
	ListNodes(ctx context.Context, sessionID string) ([]*NodeRecord, error)
	ListAttempts(ctx context.Context, sessionID, subject string) ([]*AttemptRecord, error)
	DeleteSession(ctx context.Context, sessionID string) error
	PruneSessions(ctx context.Context, before time.Time) (int64, error)

	// Deployment operations
	SaveDeployment(ctx context.Context, d *Deployment) error
	ListDeployments(ctx context.Context, flow string, limit int) ([]*Deployment, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
