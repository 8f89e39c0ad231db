package worker

import "context"

// TaskQueue defines the task operations the worker pool needs from the store.
// Claim returns (nil, nil) when no pending task exists. Requeue returns a
// claimed task to pending without consuming an attempt; it is for claims
// relinquished before processing ever ran, e.g. shutdown while waiting for
// a proxy.
type TaskQueue interface {
	Claim(ctx context.Context, workerID string) (*Task, error)
	Complete(ctx context.Context, taskID int64) error
	RecordFailure(ctx context.Context, taskID int64) (TaskStatus, error)
	Requeue(ctx context.Context, taskID int64) error
	Remaining(ctx context.Context) (int64, error)
}

// ProxyPool defines the proxy operations the worker pool needs from the store.
// Claim returns (nil, nil) when no available proxy exists. Release frees the
// proxy only if workerID still holds it, so a stale release can never free a
// proxy another worker has since claimed.
type ProxyPool interface {
	Claim(ctx context.Context, workerID string) (*Proxy, error)
	Release(ctx context.Context, proxyID int64, workerID string) error
	MarkBlocked(ctx context.Context, proxyID int64) (ProxyStatus, error)
}

// Registry defines per-worker liveness bookkeeping.
type Registry interface {
	Register(ctx context.Context, workerID string) error
	Heartbeat(ctx context.Context, workerID string) error
	RecordOutcome(ctx context.Context, workerID string, success bool) error
	MarkStopped(ctx context.Context, workerID string) error
}

// ResultStore persists terminal outcomes, idempotently keyed by item id.
type ResultStore interface {
	Upsert(ctx context.Context, result *Result) error
}

// Processor is the external page-processing collaborator: given a task and a
// leased proxy it yields exactly one outcome classification per attempt.
type Processor interface {
	Process(ctx context.Context, task *Task, proxy *Proxy) (Outcome, error)
	// Discard drops any cached session state for a proxy after rotation.
	Discard(proxy *Proxy)
}
