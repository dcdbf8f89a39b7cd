package models

import (
	"time"
)

// Job lifecycle states tracked in the broker.
const (
	StateWaiting         = "waiting"
	StateDelayed         = "delayed"
	StateActive          = "active"
	StateCompleted       = "completed"
	StateFailed          = "failed"
	StateWaitingChildren = "waiting-children"
)

// Queue names. Every job lives on exactly one of these.
const (
	QueueOrders   = "orders"
	QueueProducts = "products"
)

// Job types routed by the dispatcher.
const (
	TypeSyncOrders        = "sync_orders"
	TypeProcessOrder      = "process_order"
	TypeProcessProduct    = "process_product"
	TypeSendOrderEmail    = "send_order_email"
	TypeUpdateOrderStatus = "update_order_status"
	TypeCleanupOldOrders  = "cleanup_old_orders"
	TypeOrdersFlow        = "orders-flow"
)

// Dispatch priorities. Lower value dispatches first.
const (
	PriorityHigh   = 1
	PriorityMedium = 2
	PriorityLow    = 3
)

// Delay presets applied at enqueue time.
const (
	DelayImmediate = time.Duration(0)
	DelayShort     = 5 * time.Second
	DelayLong      = 5 * time.Minute
)

// Backoff kinds recognized by RetryPolicy.
const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// RetryPolicy is resolved once at enqueue time and stored on the job.
// Redelivery after a failed attempt reuses it verbatim.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Kind        string        `json:"kind"`
	BaseDelay   time.Duration `json:"base_delay"`
}

// DefaultRetryPolicy mirrors the broker-wide defaults: three attempts with
// exponential backoff starting at two seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Kind:        BackoffExponential,
		BaseDelay:   2 * time.Second,
	}
}

// Job is the unit of work persisted in the broker. The payload is immutable
// after creation; retries redeliver the same bytes.
type Job struct {
	ID       string         `json:"id"`
	Queue    string         `json:"queue"`
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload"`
	Priority int            `json:"priority"`
	Retry    RetryPolicy    `json:"retry"`
	State    string         `json:"state"`
	Attempts int            `json:"attempts"`

	// Flow linkage. ParentID is set on child jobs; a parent carries its flow
	// name in Type and sits in waiting-children until every child completes.
	ParentID string `json:"parent_id,omitempty"`

	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// QueueStats is the per-queue state snapshot exposed to operators.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}
