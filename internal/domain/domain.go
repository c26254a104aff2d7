package domain

// Work item statuses. Terminal states (done, failed) are retained for audit,
// never deleted.
const (
	StatusBacklog    = "backlog"
	StatusReady      = "ready"
	StatusInProgress = "in_progress"
	StatusInReview   = "in_review"
	StatusBlocked    = "blocked"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// TerminalStatus reports whether a work item status is final.
func TerminalStatus(s string) bool {
	return s == StatusDone || s == StatusFailed
}

type WorkItem struct {
	ID           string            `json:"id"`
	IssueRef     string            `json:"issue_ref,omitempty"`
	Title        string            `json:"title"`
	Status       string            `json:"status" enum:"backlog,ready,in_progress,in_review,blocked,done,failed"`
	AssignedRole *string           `json:"assigned_role,omitempty"`
	DependsOn    []string          `json:"depends_on,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Version      int64             `json:"version"`
	CreatedAt    string            `json:"created_at" format:"date-time"`
	UpdatedAt    string            `json:"updated_at" format:"date-time"`
}

// Convoy aggregate statuses, derived from member states.
const (
	ConvoyPending         = "pending"
	ConvoyRunning         = "running"
	ConvoyDone            = "done"
	ConvoyPartiallyFailed = "partially_failed"
	ConvoyFailed          = "failed"
)

type Convoy struct {
	ID        string   `json:"id"`
	Name      string   `json:"name,omitempty"`
	MemberIDs []string `json:"member_ids"`
	Status    string   `json:"status" enum:"pending,running,done,partially_failed,failed"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

// Phase is one step of a battle plan, bound to a role. Phases sharing a
// non-empty Group value start together and complete as a barrier; a phase
// with an empty Group starts only after every prior phase completed.
type Phase struct {
	Name  string `json:"name" yaml:"name"`
	Role  string `json:"role" yaml:"role"`
	Group string `json:"group,omitempty" yaml:"group,omitempty"`
}

// BattlePlan is an immutable workflow template. Built-in templates are data
// loaded from YAML, not code.
type BattlePlan struct {
	Name   string  `json:"name" yaml:"name"`
	Phases []Phase `json:"phases" yaml:"phases"`
}

// Battle plan execution statuses.
const (
	ExecNotStarted = "not_started"
	ExecRunning    = "running"
	ExecCompleted  = "completed"
	ExecFailed     = "failed"
	ExecAborted    = "aborted"
)

type BattlePlanExecution struct {
	ID        string `json:"id"`
	PlanName  string `json:"plan_name"`
	RequestID string `json:"request_id"`
	Status    string `json:"status" enum:"not_started,running,completed,failed,aborted"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Phase statuses within an execution.
const (
	PhasePending  = "pending"
	PhaseRunning  = "running"
	PhaseComplete = "complete"
	PhaseFailed   = "failed"
)

// PhaseState is the persisted state of one phase of an execution. Resume
// after restart reconstructs the executor purely from these rows.
type PhaseState struct {
	ExecutionID string  `json:"execution_id"`
	Index       int     `json:"index"`
	Name        string  `json:"name"`
	Role        string  `json:"role"`
	Group       string  `json:"group,omitempty"`
	WorkItemID  *string `json:"work_item_id,omitempty"`
	Status      string  `json:"status" enum:"pending,running,complete,failed"`
	StartedAt   *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// HandoffRecord is an immutable audit entry for a role transfer.
type HandoffRecord struct {
	ID           string  `json:"id"`
	WorkItemID   string  `json:"work_item_id"`
	FromRole     string  `json:"from_role"`
	ToRole       string  `json:"to_role"`
	Note         string  `json:"note,omitempty"`
	DelegationID *string `json:"delegation_id,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// Delegation link statuses; transitions are strictly monotonic
// pending -> accepted -> completed, with revoked reachable from pending
// or accepted.
const (
	DelegationPending   = "pending"
	DelegationAccepted  = "accepted"
	DelegationCompleted = "completed"
	DelegationRevoked   = "revoked"
)

type DelegationLink struct {
	ID          string  `json:"id"`
	WorkItemID  string  `json:"work_item_id"`
	FromRole    string  `json:"from_role"`
	ToRole      string  `json:"to_role"`
	Scope       string  `json:"scope,omitempty"`
	Status      string  `json:"status" enum:"pending,accepted,completed,revoked"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	AcceptedAt  *string `json:"accepted_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// Routing decision outcomes.
const (
	RouteAllowed     = "allowed"
	RouteBlocked     = "blocked"
	RouteCircuitOpen = "circuit_open"
)

// RoutingEvent is an append-only record of one routing decision. Every
// decision is recorded before the call is attempted, so the health window
// reflects attempts, not just outcomes.
type RoutingEvent struct {
	ID           int64    `json:"id"`
	Destination  string   `json:"destination"`
	Capabilities []string `json:"capabilities,omitempty"`
	Outcome      string   `json:"outcome" enum:"allowed,blocked,circuit_open"`
	TS           string   `json:"ts" format:"date-time"`
}

// ResourceSample is a point-in-time host load snapshot.
type ResourceSample struct {
	TS          string  `json:"ts" format:"date-time"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	Goroutines  int     `json:"goroutines"`
	Parallelism int     `json:"parallelism"`
}

// Graph records capture which role touched which work item and which item
// depends on which; consumed by external impact-analysis tooling.
const (
	EdgeTouched   = "touched"
	EdgeDependsOn = "depends_on"
)

type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind" enum:"touched,depends_on"`
}

// Outcome is the per-member result of a convoy execution. A member's failure
// never aborts its siblings; partial success is a first-class result.
type Outcome struct {
	WorkItemID  string `json:"work_item_id"`
	Success     bool   `json:"success"`
	ArtifactRef string `json:"artifact_ref,omitempty"`
	Attempts    int    `json:"attempts"`
	Error       string `json:"error,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
}
