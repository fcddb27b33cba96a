package api

import (
	"encoding/gob"
	"time"
)

func init() {
	gob.Register(EntityValue{})
	gob.Register(EntityListResult{})
	gob.Register(BucketObject{})
	gob.Register(BucketListResult{})
	gob.Register(SearchResult{})
	gob.Register(TaskRequest{})
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// CallKind tags the operations a workflow program can request. The set is
// closed; the command executor has an entry for each kind that produces a
// side effect.
type CallKind int

const (
	CallTimer CallKind = iota + 1
	CallChildWorkflow
	CallTask
	CallSendSignal
	CallExpectSignal
	CallRegisterSignalHandler
	CallCondition
	CallEmitEvents
	CallEntity
	CallBucket
	CallSearch
	CallTransaction
)

var callKindNames = map[CallKind]string{
	CallTimer:                 "timer",
	CallChildWorkflow:         "child_workflow",
	CallTask:                  "task",
	CallSendSignal:            "send_signal",
	CallExpectSignal:          "expect_signal",
	CallRegisterSignalHandler: "register_signal_handler",
	CallCondition:             "condition",
	CallEmitEvents:            "emit_events",
	CallEntity:                "entity",
	CallBucket:                "bucket",
	CallSearch:                "search",
	CallTransaction:           "transaction",
}

func (k CallKind) String() string {
	if n, ok := callKindNames[k]; ok {
		return n
	}
	return "unknown"
}

// ParentRef points a child execution back at the call that started it.
type ParentRef struct {
	ExecutionID string
	Seq         int
}

// SignalTarget addresses the receiver of a signal: either an execution id or
// a child workflow started by the sender at ChildSeq.
type SignalTarget struct {
	ExecutionID string
	ChildSeq    int
	IsChild     bool
}

// ExecutionTarget addresses an execution by id.
func ExecutionTarget(executionID string) SignalTarget {
	return SignalTarget{ExecutionID: executionID}
}

// ChildTarget addresses the child workflow started by the call at seq.
func ChildTarget(seq int) SignalTarget {
	return SignalTarget{ChildSeq: seq, IsChild: true}
}

// OutboundEvent is an application event published by a workflow.
type OutboundEvent struct {
	Name    string
	Payload any
}

// EntityOp names an entity operation.
type EntityOp string

const (
	EntityGet    EntityOp = "get"
	EntitySet    EntityOp = "set"
	EntityDelete EntityOp = "delete"
	EntityList   EntityOp = "list"
)

// EntityOperation is a request against a versioned key/value entity.
//
// ExpectedVersion, when non-nil, makes Set and Delete conditional on the
// stored version. Version 0 means "must not exist".
type EntityOperation struct {
	Op              EntityOp
	Entity          string
	Key             string
	Value           any
	ExpectedVersion *int64

	Prefix    string
	Limit     int
	NextToken string
}

type EntityValue struct {
	Key     string
	Value   any
	Version int64
}

type EntityListResult struct {
	Entries   []EntityValue
	NextToken string
}

// BucketOp names a bucket operation.
type BucketOp string

const (
	BucketGet    BucketOp = "get"
	BucketPut    BucketOp = "put"
	BucketDelete BucketOp = "delete"
	BucketList   BucketOp = "list"
)

type BucketOperation struct {
	Op     BucketOp
	Bucket string
	Key    string
	Data   []byte
	Prefix string
}

type BucketObject struct {
	Key          string
	Data         []byte
	ETag         string
	LastModified time.Time
}

type BucketListResult struct {
	Keys []string
}

// SearchOp names a search operation.
type SearchOp string

const (
	SearchIndex   SearchOp = "index"
	SearchDelete  SearchOp = "delete"
	SearchQueryOp SearchOp = "query"
)

type SearchQuery struct {
	Op       SearchOp
	Index    string
	ID       string
	Document map[string]any
	Query    string
	Limit    int
}

type SearchHit struct {
	ID       string
	Document map[string]any
}

type SearchResult struct {
	Hits []SearchHit
}

// CallOptions collects the optional settings of a call.
type CallOptions struct {
	// Timeout races the call against another future; whichever settles
	// first decides the call.
	Timeout Future

	// TaskTimeout arms a durable timer that fails a task call with
	// TaskTimedOut if no result arrives in time.
	TaskTimeout time.Duration

	// ExecutionName overrides the derived name of a child execution.
	ExecutionName string

	Retry *RetryPolicy
}

// CallOption configures a call.
type CallOption func(*CallOptions)

// WithTimeout races the call against f. When f settles first the call fails
// with a *TimeoutError (or resolves to false for conditions).
func WithTimeout(f Future) CallOption {
	return func(o *CallOptions) { o.Timeout = f }
}

// WithTaskTimeout fails a task call if it has not completed within d.
func WithTaskTimeout(d time.Duration) CallOption {
	return func(o *CallOptions) { o.TaskTimeout = d }
}

// WithExecutionName sets the execution name of a child workflow.
func WithExecutionName(name string) CallOption {
	return func(o *CallOptions) { o.ExecutionName = name }
}

// WithRetry overrides the retry policy of a task call.
func WithRetry(p RetryPolicy) CallOption {
	return func(o *CallOptions) { o.Retry = &p }
}

// ApplyCallOptions folds opts into a CallOptions value.
func ApplyCallOptions(opts []CallOption) CallOptions {
	var o CallOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
