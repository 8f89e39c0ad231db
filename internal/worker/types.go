package worker

import (
	"fmt"
	"os"
	"time"
)

// TaskStatus represents the lifecycle status of a task row.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// ProxyStatus represents the lifecycle status of a proxy row.
type ProxyStatus string

const (
	ProxyStatusAvailable ProxyStatus = "available"
	ProxyStatusLocked    ProxyStatus = "locked"
	ProxyStatusBlocked   ProxyStatus = "blocked"
)

// WorkerStatus represents the liveness status of a worker row.
type WorkerStatus string

const (
	WorkerStatusActive  WorkerStatus = "active"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// ResultStatus is the terminal status persisted to the result store.
// Transient failures never produce a result row.
type ResultStatus string

const (
	ResultStatusSuccess     ResultStatus = "success"
	ResultStatusUnavailable ResultStatus = "unavailable"
)

// Task is one unit of work: a single external item to fetch and extract.
type Task struct {
	ID            int64
	ItemID        int64
	Status        TaskStatus
	WorkerID      string
	Attempts      int
	MaxAttempts   int
	CreatedAt     time.Time
	LastAttemptAt time.Time
	CompletedAt   time.Time
}

// Proxy is one leased egress endpoint.
type Proxy struct {
	ID          int64
	Proxy       string // connection string, host:port:user:pass
	Status      ProxyStatus
	LockedBy    string
	LockedAt    time.Time
	UsesCount   int64
	BlocksCount int
	LastUsedAt  time.Time
}

// ItemRecord holds the fields extracted from a found item page.
// All fields are optional; absent values stay zero and are stored as NULL.
type ItemRecord struct {
	Title            string
	Description      string
	Characteristics  map[string]string
	Price            *float64
	PublishedAt      *time.Time
	SellerName       string
	SellerProfileURL string
	LocationAddress  string
	LocationMetro    string
	LocationRegion   string
	ViewsTotal       *int64
}

// Result is the terminal outcome of a task, keyed by the item id.
type Result struct {
	ItemID        int64
	Status        ResultStatus
	FailureReason string
	WorkerID      string
	Attempts      int
	Record        *ItemRecord
}

// Classification is the discriminated outcome of one processing attempt,
// produced by the processing collaborator from a fixed closed set.
type Classification string

const (
	ClassBlockedHard      Classification = "blocked_hard"
	ClassRateLimited      Classification = "rate_limited_unresolved"
	ClassContentFound     Classification = "content_found"
	ClassContentRemoved   Classification = "content_removed"
	ClassExtractionFailed Classification = "extraction_failed"
	ClassUnexpected       Classification = "unexpected"
)

// Outcome is what the processing collaborator returns for one attempt.
// ChallengeResolved marks classifications reached after an anti-automation
// challenge was cleared in-page, i.e. rate_limited_resolved_then(<class>).
type Outcome struct {
	Classification    Classification
	ChallengeResolved bool
	Record            *ItemRecord
	FailureReason     string
}

// Identity builds a worker identity unique across hosts, processes, logical
// runs, and co-located lanes: {program}:{hostname}:{pid}:{run}:{lane}.
func Identity(programID, runID string, lane int) string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s:%s:%d:%s:%d", programID, hostname, os.Getpid(), runID, lane)
}
