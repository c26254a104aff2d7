package captain

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"warroom/internal/domain"
	"warroom/internal/plan"
	"warroom/internal/store"
	"warroom/internal/tracker"
)

// Request is an incoming unit of intent: a thing someone wants done,
// before it has been decomposed into work items.
type Request struct {
	ID          string   `json:"id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Plan        string   `json:"plan,omitempty"` // explicit template override
	Labels      []string `json:"labels,omitempty"`
	Requester   string   `json:"requester,omitempty"` // actor attributed in the audit log
}

// Handle is the caller's view of a coordinated execution.
type Handle struct {
	ExecutionID string              `json:"execution_id"`
	RequestID   string              `json:"request_id"`
	PlanName    string              `json:"plan_name"`
	Status      string              `json:"status"`
	IssueRef    string              `json:"issue_ref,omitempty"`
	Phases      []domain.PhaseState `json:"phases,omitempty"`
}

// Captain coordinates incoming requests: it selects a battle plan, hands it
// to the executor for decomposition into work items, and either runs it
// immediately or leaves it parked for an explicit run, per AutoExecute.
type Captain struct {
	Store       *store.Store
	Registry    *plan.Registry
	Executor    *plan.Executor
	Tracker     tracker.Client // optional; nil skips issue mirroring
	AutoExecute bool
	DefaultPlan string // fallback template when no selection rule matches

	logger *log.Logger
}

func New(s *store.Store, reg *plan.Registry, exec *plan.Executor, trk tracker.Client, autoExecute bool, defaultPlan string, logger *log.Logger) *Captain {
	if defaultPlan == "" {
		defaultPlan = "feature"
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Captain{
		Store:       s,
		Registry:    reg,
		Executor:    exec,
		Tracker:     trk,
		AutoExecute: autoExecute,
		DefaultPlan: defaultPlan,
		logger:      logger,
	}
}

// bugfixSignals route a request to the bugfix plan when any of them appears
// in the title, description or labels.
var bugfixSignals = []string{"bug", "fix", "crash", "regression", "broken", "panic"}

// SelectPlan applies the rule table: an explicit override wins, then the
// request text decides, then the configured default.
func (c *Captain) SelectPlan(req Request) string {
	if req.Plan != "" {
		return req.Plan
	}
	haystack := strings.ToLower(req.Title + " " + req.Description + " " + strings.Join(req.Labels, " "))
	for _, signal := range bugfixSignals {
		if strings.Contains(haystack, signal) {
			return "bugfix"
		}
	}
	if c.DefaultPlan != "" {
		return c.DefaultPlan
	}
	return "feature"
}

// Coordinate turns a request into a persisted execution and returns its
// handle. With AutoExecute the plan runs to completion (or failure) before
// returning; otherwise the execution stays not_started until an explicit
// Run.
func (c *Captain) Coordinate(ctx context.Context, req Request) (Handle, error) {
	if req.Title == "" {
		return Handle{}, fmt.Errorf("request title is required")
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	planName := c.SelectPlan(req)
	p, err := c.Registry.Get(planName)
	if err != nil {
		return Handle{}, err
	}

	issueRef := ""
	if c.Tracker != nil {
		// Mirroring into the external tracker is best effort; a flaky
		// collaborator must not block coordination.
		issue, err := c.Tracker.CreateIssue(ctx, req.Title, req.Description, req.Labels)
		if err != nil {
			c.logger.Printf("captain: mirror request %s to tracker: %v", req.ID, err)
		} else {
			issueRef = issue.ID
		}
	}

	exec, err := c.Executor.Start(ctx, p, req.ID, req.Requester)
	if err != nil {
		return Handle{}, err
	}
	var runErr error
	if c.AutoExecute {
		runErr = c.Executor.Run(ctx, exec.ID)
	}
	h, err := c.Status(ctx, exec.ID)
	if err != nil {
		return h, err
	}
	h.IssueRef = issueRef
	return h, runErr
}

// Run drives a parked or interrupted execution.
func (c *Captain) Run(ctx context.Context, executionID string) (Handle, error) {
	runErr := c.Executor.Run(ctx, executionID)
	h, err := c.Status(ctx, executionID)
	if err != nil {
		return h, err
	}
	return h, runErr
}

// Abort stops an execution at the next stage boundary.
func (c *Captain) Abort(ctx context.Context, executionID string) error {
	return c.Executor.Abort(ctx, executionID)
}

// Status reloads the execution header and its phase rows.
func (c *Captain) Status(ctx context.Context, executionID string) (Handle, error) {
	exec, err := c.Store.GetExecution(ctx, executionID)
	if err != nil {
		return Handle{}, err
	}
	phases, err := c.Store.PhaseStates(ctx, executionID)
	if err != nil {
		return Handle{}, err
	}
	return Handle{
		ExecutionID: exec.ID,
		RequestID:   exec.RequestID,
		PlanName:    exec.PlanName,
		Status:      exec.Status,
		Phases:      phases,
	}, nil
}
