package plan

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"warroom/internal/convoy"
	"warroom/internal/domain"
	"warroom/internal/events"
	"warroom/internal/ratelimit"
	"warroom/internal/store"
)

// ErrExecutionStopped is returned by Run when the execution ends in a
// non-completed state.
var ErrExecutionStopped = errors.New("execution stopped")

// Executor drives a battle plan execution through its phases. Sequential
// phases gate on everything before them; consecutive phases sharing a group
// run as one convoy and complete as a barrier. All progress is persisted per
// phase, so Run on a restarted process picks up exactly where the previous
// one stopped.
type Executor struct {
	DB     *sql.DB
	Store  *store.Store
	Events events.Writer
	Now    func() time.Time

	roles  map[string]convoy.RoleFunc
	sched  *convoy.Scheduler
	logger *log.Logger
}

func NewExecutor(db *sql.DB, s *store.Store, schedCfg convoy.Config, source convoy.ParallelismSource, limiter *ratelimit.Limiter, sink convoy.OutcomeSink, roles map[string]convoy.RoleFunc, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.Default()
	}
	e := &Executor{
		DB:     db,
		Store:  s,
		Events: events.Writer{DB: db},
		Now:    time.Now,
		roles:  roles,
		logger: logger,
	}
	e.sched = convoy.New(schedCfg, s, source, limiter, sink, e.dispatch, logger)
	return e
}

// Scheduler exposes the underlying convoy scheduler for direct convoy runs.
func (e *Executor) Scheduler() *convoy.Scheduler { return e.sched }

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// dispatch hands a convoy member to the handler registered for its role.
func (e *Executor) dispatch(ctx context.Context, item domain.WorkItem) (string, error) {
	role := ""
	if item.AssignedRole != nil {
		role = *item.AssignedRole
	}
	fn, ok := e.roles[role]
	if !ok {
		return "", fmt.Errorf("no handler registered for role %q", role)
	}
	return fn(ctx, item)
}

// Start persists a new execution with one pending phase row per plan phase.
// The actor is attributed on the creation event.
func (e *Executor) Start(ctx context.Context, p domain.BattlePlan, requestID, actor string) (domain.BattlePlanExecution, error) {
	if err := Validate(p); err != nil {
		return domain.BattlePlanExecution{}, err
	}
	if actor == "" {
		actor = "captain"
	}
	exec := domain.BattlePlanExecution{
		ID:        uuid.New().String(),
		PlanName:  p.Name,
		RequestID: requestID,
		Status:    domain.ExecNotStarted,
	}
	phases := make([]domain.PhaseState, len(p.Phases))
	for i, ph := range p.Phases {
		phases[i] = domain.PhaseState{
			ExecutionID: exec.ID,
			Index:       i,
			Name:        ph.Name,
			Role:        ph.Role,
			Group:       ph.Group,
			Status:      domain.PhasePending,
		}
	}
	exec, err := e.Store.CreateExecution(ctx, exec, phases)
	if err != nil {
		return exec, err
	}
	e.emit(ctx, "execution.created", exec.ID, actor, events.EventPayload{"plan": p.Name, "request_id": requestID})
	return exec, nil
}

// Run drives the execution until it completes, fails, or is aborted. It is
// re-entrant: complete phases are skipped, interrupted ones re-run.
func (e *Executor) Run(ctx context.Context, executionID string) error {
	exec, err := e.Store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	switch exec.Status {
	case domain.ExecCompleted:
		return nil
	case domain.ExecAborted:
		return fmt.Errorf("execution %s aborted: %w", executionID, ErrExecutionStopped)
	}
	if err := e.Store.SetExecutionStatus(ctx, executionID, domain.ExecRunning); err != nil {
		return err
	}
	e.emit(ctx, "execution.started", executionID, "captain", nil)

	phases, err := e.Store.PhaseStates(ctx, executionID)
	if err != nil {
		return err
	}
	var prevStage []domain.PhaseState
	for _, stage := range groupStages(phases) {
		// Abort between stages, never mid-flight; in-flight members drain
		// through the scheduler's own cancellation path.
		exec, err := e.Store.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if exec.Status == domain.ExecAborted {
			return fmt.Errorf("execution %s aborted: %w", executionID, ErrExecutionStopped)
		}
		done, err := e.runStage(ctx, executionID, stage, prevStage)
		if err != nil {
			if serr := e.Store.SetExecutionStatus(ctx, executionID, domain.ExecFailed); serr != nil {
				e.logger.Printf("executor: mark execution %s failed: %v", executionID, serr)
			}
			e.emit(ctx, "execution.failed", executionID, "captain", events.EventPayload{"error": err.Error()})
			return fmt.Errorf("execution %s: %w", executionID, err)
		}
		prevStage = done
	}
	if err := e.Store.SetExecutionStatus(ctx, executionID, domain.ExecCompleted); err != nil {
		return err
	}
	e.emit(ctx, "execution.completed", executionID, "captain", nil)
	return nil
}

// Abort marks a non-terminal execution aborted; Run stops at the next stage
// boundary.
func (e *Executor) Abort(ctx context.Context, executionID string) error {
	exec, err := e.Store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	switch exec.Status {
	case domain.ExecCompleted, domain.ExecFailed, domain.ExecAborted:
		return fmt.Errorf("execution %s already %s", executionID, exec.Status)
	}
	if err := e.Store.SetExecutionStatus(ctx, executionID, domain.ExecAborted); err != nil {
		return err
	}
	e.emit(ctx, "execution.aborted", executionID, "captain", nil)
	return nil
}

// runStage materializes work items for the stage's phases, wires dependency
// edges to the previous stage, and runs the stage as one convoy. It returns
// the full stage, already-complete rows included, so the next stage gates on
// every phase of the barrier rather than just the ones re-run this time.
func (e *Executor) runStage(ctx context.Context, executionID string, stage, prevStage []domain.PhaseState) ([]domain.PhaseState, error) {
	var pending []domain.PhaseState
	for _, p := range stage {
		if p.Status == domain.PhaseComplete {
			continue
		}
		pending = append(pending, p)
	}
	if len(pending) == 0 {
		return stage, nil
	}

	now := e.now().UTC().Format(time.RFC3339)
	itemToPhase := make(map[string]int, len(pending))
	var members []string
	for i := range pending {
		p := &pending[i]
		if p.WorkItemID == nil {
			item, err := e.createPhaseItem(ctx, executionID, *p, prevStage)
			if err != nil {
				return nil, err
			}
			p.WorkItemID = &item.ID
		}
		item, err := e.Store.Get(ctx, *p.WorkItemID)
		if err != nil {
			return nil, err
		}
		if item.Status == domain.StatusDone {
			// Already done on a prior run; completing again is a no-op.
			p.Status = domain.PhaseComplete
			p.CompletedAt = &now
			if err := e.Store.UpdatePhase(ctx, *p); err != nil {
				return nil, err
			}
			continue
		}
		p.Status = domain.PhaseRunning
		p.StartedAt = &now
		if err := e.Store.UpdatePhase(ctx, *p); err != nil {
			return nil, err
		}
		itemToPhase[*p.WorkItemID] = i
		members = append(members, *p.WorkItemID)
	}
	if len(members) == 0 {
		return mergeStage(stage, pending), nil
	}

	c, err := e.Store.CreateConvoy(ctx, domain.Convoy{
		ID:        uuid.New().String(),
		Name:      fmt.Sprintf("%s/%s", executionID, stageName(pending)),
		MemberIDs: members,
	})
	if err != nil {
		return nil, err
	}
	outcomes, err := e.sched.Execute(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	var failed []string
	doneAt := e.now().UTC().Format(time.RFC3339)
	for _, o := range outcomes {
		i, ok := itemToPhase[o.WorkItemID]
		if !ok {
			continue
		}
		p := &pending[i]
		p.CompletedAt = &doneAt
		if o.Success {
			p.Status = domain.PhaseComplete
		} else {
			p.Status = domain.PhaseFailed
			failed = append(failed, fmt.Sprintf("%s: %s", p.Name, o.Error))
		}
		if err := e.Store.UpdatePhase(ctx, *p); err != nil {
			return nil, err
		}
	}
	if len(failed) > 0 {
		return nil, fmt.Errorf("phase(s) failed: %v", failed)
	}
	return mergeStage(stage, pending), nil
}

// mergeStage folds the re-run phase rows back into the full stage slice.
func mergeStage(stage, updated []domain.PhaseState) []domain.PhaseState {
	merged := append([]domain.PhaseState(nil), stage...)
	for _, u := range updated {
		for i := range merged {
			if merged[i].Index == u.Index {
				merged[i] = u
			}
		}
	}
	return merged
}

// createPhaseItem materializes the work item backing one phase, depending on
// every item of the previous stage so the store's done-gating mirrors the
// plan's ordering.
func (e *Executor) createPhaseItem(ctx context.Context, executionID string, p domain.PhaseState, prevStage []domain.PhaseState) (domain.WorkItem, error) {
	role := p.Role
	var deps []string
	for _, prev := range prevStage {
		if prev.WorkItemID != nil {
			deps = append(deps, *prev.WorkItemID)
		}
	}
	return e.Store.Create(ctx, domain.WorkItem{
		ID:           uuid.New().String(),
		Title:        p.Name,
		Status:       domain.StatusReady,
		AssignedRole: &role,
		DependsOn:    deps,
		Metadata: map[string]string{
			"execution_id": executionID,
			"phase":        p.Name,
		},
	})
}

func (e *Executor) emit(ctx context.Context, evtType, executionID, actor string, payload events.EventPayload) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.logger.Printf("executor: emit %s: %v", evtType, err)
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, "execution", executionID, actor, payload); err != nil {
		e.logger.Printf("executor: emit %s: %v", evtType, err)
		return
	}
	if err := tx.Commit(); err != nil {
		e.logger.Printf("executor: emit %s: %v", evtType, err)
	}
}

// groupStages splits the ordered phase list into stages: a run of phases
// sharing a non-empty group forms one stage, every other phase stands alone.
func groupStages(phases []domain.PhaseState) [][]domain.PhaseState {
	var stages [][]domain.PhaseState
	for _, p := range phases {
		n := len(stages)
		if p.Group != "" && n > 0 {
			last := stages[n-1]
			if last[0].Group == p.Group {
				stages[n-1] = append(last, p)
				continue
			}
		}
		stages = append(stages, []domain.PhaseState{p})
	}
	return stages
}

func stageName(stage []domain.PhaseState) string {
	if stage[0].Group != "" {
		return stage[0].Group
	}
	return stage[0].Name
}
