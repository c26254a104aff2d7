package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"warroom/internal/captain"
	"warroom/internal/domain"
	"warroom/internal/ledger"
	"warroom/internal/metrics"
	"warroom/internal/monitor"
	"warroom/internal/plan"
	"warroom/internal/pool"
	"warroom/internal/ratelimit"
	"warroom/internal/router"
	"warroom/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Store    *store.Store
	Captain  *captain.Captain
	Ledger   *ledger.Ledger
	Router   *router.Router
	Metrics  *metrics.Collector
	Registry *plan.Registry
	Monitor  *monitor.Monitor
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"version_conflict"`
	Message string         `json:"message" example:"item wi-1 at version 3, expected 2"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Warroom API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	mux := chi.NewRouter()
	mux.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Warroom API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(mux, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg)
	registerCoordinate(group, cfg)
	registerExecutions(group, cfg)
	registerItems(group, cfg)
	registerConvoys(group, cfg)
	registerLedger(group, cfg)
	registerRouting(group, cfg)
	registerPlans(group, cfg)
	registerEvents(group, cfg)
	registerMetrics(group, cfg)

	return mux, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

// handleError maps domain errors onto the envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, store.ErrVersionConflict):
		return newAPIError(http.StatusConflict, "version_conflict", err.Error(), nil)
	case errors.Is(err, store.ErrDependencyOpen):
		return newAPIError(http.StatusUnprocessableEntity, "dependency_open", err.Error(), nil)
	case errors.Is(err, ledger.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, plan.ErrUnknownPlan):
		return newAPIError(http.StatusNotFound, "unknown_plan", err.Error(), nil)
	case errors.Is(err, router.ErrCircuitOpen):
		return newAPIError(http.StatusServiceUnavailable, "circuit_open", err.Error(), nil)
	case errors.Is(err, router.ErrBlocked):
		return newAPIError(http.StatusForbidden, "route_blocked", err.Error(), nil)
	case errors.Is(err, ratelimit.ErrRateLimited):
		return newAPIError(http.StatusTooManyRequests, "rate_limited", err.Error(), nil)
	case errors.Is(err, pool.ErrPoolExhausted):
		return newAPIError(http.StatusServiceUnavailable, "pool_exhausted", err.Error(), nil)
	case errors.Is(err, plan.ErrExecutionStopped):
		return newAPIError(http.StatusConflict, "execution_stopped", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") || strings.Contains(lowered, "invalid") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, cfg Config) {
	type statusBody struct {
		ItemCounts map[string]int        `json:"item_counts"`
		Executions int                   `json:"executions"`
		Resource   domain.ResourceSample `json:"resource,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Workspace status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body statusBody `json:"body"`
	}, error) {
		items, err := cfg.Store.List(ctx, store.Filters{})
		if err != nil {
			return nil, handleError(err)
		}
		counts := make(map[string]int)
		for _, item := range items {
			counts[item.Status]++
		}
		execs, err := cfg.Store.ListExecutions(ctx, 0)
		if err != nil {
			return nil, handleError(err)
		}
		body := statusBody{ItemCounts: counts, Executions: len(execs)}
		if cfg.Monitor != nil {
			body.Resource = cfg.Monitor.Latest()
		}
		return &struct {
			Body statusBody `json:"body"`
		}{Body: body}, nil
	})
}

func registerCoordinate(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "coordinate",
		Method:        http.MethodPost,
		Path:          "/coordinate",
		Summary:       "Coordinate a request into an execution",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body captain.Request `json:"body"`
	}) (*struct {
		Body captain.Handle `json:"body"`
	}, error) {
		if input.Body.Requester == "" {
			input.Body.Requester = actorIDFromContext(ctx)
		}
		h, err := cfg.Captain.Coordinate(ctx, input.Body)
		if err != nil && h.ExecutionID == "" {
			return nil, handleError(err)
		}
		// A run failure still yields a handle; the caller reads the status.
		return &struct {
			Body captain.Handle `json:"body"`
		}{Body: h}, nil
	})
}

func registerExecutions(api huma.API, cfg Config) {
	type executionPath struct {
		ExecutionID string `path:"execution_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/executions",
		Summary:     "List executions",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body []domain.BattlePlanExecution `json:"body"`
	}, error) {
		execs, err := cfg.Store.ListExecutions(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.BattlePlanExecution `json:"body"`
		}{Body: execs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{execution_id}",
		Summary:     "Execution status with phases",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *executionPath) (*struct {
		Body captain.Handle `json:"body"`
	}, error) {
		h, err := cfg.Captain.Status(ctx, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body captain.Handle `json:"body"`
		}{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-execution",
		Method:      http.MethodPost,
		Path:        "/executions/{execution_id}/run",
		Summary:     "Run or resume an execution",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *executionPath) (*struct {
		Body captain.Handle `json:"body"`
	}, error) {
		h, err := cfg.Captain.Run(ctx, input.ExecutionID)
		if err != nil && h.ExecutionID == "" {
			return nil, handleError(err)
		}
		return &struct {
			Body captain.Handle `json:"body"`
		}{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abort-execution",
		Method:      http.MethodPost,
		Path:        "/executions/{execution_id}/abort",
		Summary:     "Abort an execution at the next stage boundary",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *executionPath) (*struct {
		Body captain.Handle `json:"body"`
	}, error) {
		if err := cfg.Captain.Abort(ctx, input.ExecutionID); err != nil {
			return nil, handleError(err)
		}
		h, err := cfg.Captain.Status(ctx, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body captain.Handle `json:"body"`
		}{Body: h}, nil
	})
}

func registerItems(api huma.API, cfg Config) {
	type itemPath struct {
		ItemID string `path:"item_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Role   string `query:"role"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.WorkItem `json:"body"`
	}, error) {
		items, err := cfg.Store.List(ctx, store.Filters{Status: input.Status, Role: input.Role, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkItem `json:"body"`
		}{Body: items}, nil
	})

	type createItemRequest struct {
		Title        string            `json:"title"`
		IssueRef     string            `json:"issue_ref,omitempty"`
		AssignedRole *string           `json:"assigned_role,omitempty"`
		DependsOn    []string          `json:"depends_on,omitempty"`
		Metadata     map[string]string `json:"metadata,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body createItemRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		item, err := cfg.Store.Create(ctx, domain.WorkItem{
			Title:        input.Body.Title,
			IssueRef:     input.Body.IssueRef,
			AssignedRole: input.Body.AssignedRole,
			DependsOn:    input.Body.DependsOn,
			Metadata:     input.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}",
		Summary:     "Work item detail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		item, err := cfg.Store.Get(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-item",
		Method:      http.MethodPatch,
		Path:        "/items/{item_id}",
		Summary:     "Update work item with optimistic concurrency",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
		Body   struct {
			ExpectedVersion int64             `json:"expected_version"`
			Status          *string           `json:"status,omitempty"`
			Title           *string           `json:"title,omitempty"`
			AssignedRole    *string           `json:"assigned_role,omitempty"`
			Metadata        map[string]string `json:"metadata,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		item, err := cfg.Store.Update(ctx, input.ItemID, input.Body.ExpectedVersion, func(w *domain.WorkItem) error {
			if input.Body.Status != nil {
				w.Status = *input.Body.Status
			}
			if input.Body.Title != nil {
				w.Title = *input.Body.Title
			}
			if input.Body.AssignedRole != nil {
				w.AssignedRole = input.Body.AssignedRole
			}
			if input.Body.Metadata != nil {
				w.Metadata = input.Body.Metadata
			}
			return nil
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-item-dependency",
		Method:        http.MethodPost,
		Path:          "/items/{item_id}/deps",
		Summary:       "Add a dependency edge to a work item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
		Body   struct {
			DependsOn string `json:"depends_on"`
		} `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		if input.Body.DependsOn == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "depends_on is required", nil)
		}
		if _, err := cfg.Store.Get(ctx, input.ItemID); err != nil {
			return nil, handleError(err)
		}
		if _, err := cfg.Store.Get(ctx, input.Body.DependsOn); err != nil {
			return nil, handleError(err)
		}
		if err := cfg.Store.AddDependency(ctx, input.ItemID, input.Body.DependsOn); err != nil {
			return nil, handleError(err)
		}
		item, err := cfg.Store.Get(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "item-log",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/log",
		Summary:     "Work item change log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*struct {
		Body []store.ChangeLogEntry `json:"body"`
	}, error) {
		if _, err := cfg.Store.Get(ctx, input.ItemID); err != nil {
			return nil, handleError(err)
		}
		entries, err := cfg.Store.ChangeLog(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []store.ChangeLogEntry `json:"body"`
		}{Body: entries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "item-neighbors",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/neighbors",
		Summary:     "Adjacent graph edges for impact analysis",
	}, func(ctx context.Context, input *itemPath) (*struct {
		Body []domain.GraphEdge `json:"body"`
	}, error) {
		edges, err := cfg.Store.Neighbors(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.GraphEdge `json:"body"`
		}{Body: edges}, nil
	})
}

func registerConvoys(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-convoys",
		Method:      http.MethodGet,
		Path:        "/convoys",
		Summary:     "List convoys",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body []domain.Convoy `json:"body"`
	}, error) {
		convoys, err := cfg.Store.ListConvoys(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Convoy `json:"body"`
		}{Body: convoys}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-convoy",
		Method:      http.MethodGet,
		Path:        "/convoys/{convoy_id}",
		Summary:     "Convoy detail with derived status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ConvoyID string `path:"convoy_id"`
	}) (*struct {
		Body domain.Convoy `json:"body"`
	}, error) {
		c, err := cfg.Store.GetConvoy(ctx, input.ConvoyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Convoy `json:"body"`
		}{Body: c}, nil
	})
}

func registerLedger(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "handoff-item",
		Method:        http.MethodPost,
		Path:          "/items/{item_id}/handoffs",
		Summary:       "Hand a work item to another role",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
		Body   struct {
			FromRole string `json:"from_role"`
			ToRole   string `json:"to_role"`
			Note     string `json:"note,omitempty"`
			Delegate bool   `json:"delegate,omitempty"`
			Scope    string `json:"scope,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body struct {
			Handoff    domain.HandoffRecord   `json:"handoff"`
			Delegation *domain.DelegationLink `json:"delegation,omitempty"`
		} `json:"body"`
	}, error) {
		out := &struct {
			Body struct {
				Handoff    domain.HandoffRecord   `json:"handoff"`
				Delegation *domain.DelegationLink `json:"delegation,omitempty"`
			} `json:"body"`
		}{}
		if input.Body.Delegate {
			rec, link, err := cfg.Ledger.HandoffWithDelegation(ctx, input.ItemID, input.Body.FromRole, input.Body.ToRole, input.Body.Note, input.Body.Scope)
			if err != nil {
				return nil, handleError(err)
			}
			out.Body.Handoff = rec
			out.Body.Delegation = &link
			return out, nil
		}
		rec, err := cfg.Ledger.Handoff(ctx, input.ItemID, input.Body.FromRole, input.Body.ToRole, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		out.Body.Handoff = rec
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "item-handoffs",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/handoffs",
		Summary:     "Handoff history for a work item",
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body []domain.HandoffRecord `json:"body"`
	}, error) {
		recs, err := cfg.Ledger.HandoffsFor(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.HandoffRecord `json:"body"`
		}{Body: recs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "item-delegations",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/delegations",
		Summary:     "Delegation links for a work item",
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body []domain.DelegationLink `json:"body"`
	}, error) {
		links, err := cfg.Ledger.DelegationsFor(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DelegationLink `json:"body"`
		}{Body: links}, nil
	})

	type delegationPath struct {
		DelegationID string `path:"delegation_id"`
	}
	transitions := []struct {
		op, pathSuffix, summary string
		apply                   func(ctx context.Context, id string) (domain.DelegationLink, error)
	}{
		{"accept-delegation", "accept", "Accept a delegation", cfg.Ledger.AcceptDelegation},
		{"complete-delegation", "complete", "Complete a delegation", cfg.Ledger.CompleteDelegation},
		{"revoke-delegation", "revoke", "Revoke a delegation", cfg.Ledger.RevokeDelegation},
	}
	for _, tr := range transitions {
		tr := tr
		huma.Register(api, huma.Operation{
			OperationID: tr.op,
			Method:      http.MethodPost,
			Path:        "/delegations/{delegation_id}/" + tr.pathSuffix,
			Summary:     tr.summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *delegationPath) (*struct {
			Body domain.DelegationLink `json:"body"`
		}, error) {
			link, err := tr.apply(ctx, input.DelegationID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.DelegationLink `json:"body"`
			}{Body: link}, nil
		})
	}
}

func registerRouting(api huma.API, cfg Config) {
	type destinationHealth struct {
		Destination  string  `json:"destination"`
		Health       string  `json:"health"`
		CircuitState string  `json:"circuit_state"`
		BlockRate    float64 `json:"block_rate"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "routing-health",
		Method:      http.MethodGet,
		Path:        "/routing/{destination}",
		Summary:     "Routing health for one destination",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Destination string `path:"destination"`
	}) (*struct {
		Body destinationHealth `json:"body"`
	}, error) {
		if cfg.Router == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "router not configured", nil)
		}
		health, state, rate, err := cfg.Router.HealthOf(input.Destination)
		if err != nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
		}
		return &struct {
			Body destinationHealth `json:"body"`
		}{Body: destinationHealth{
			Destination:  input.Destination,
			Health:       string(health),
			CircuitState: state.String(),
			BlockRate:    rate,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "routing-events",
		Method:      http.MethodGet,
		Path:        "/routing/{destination}/events",
		Summary:     "Recent routing decisions for one destination",
	}, func(ctx context.Context, input *struct {
		Destination string `path:"destination"`
		Limit       int    `query:"limit"`
	}) (*struct {
		Body []domain.RoutingEvent `json:"body"`
	}, error) {
		events, err := cfg.Metrics.RoutingEvents(ctx, input.Destination, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RoutingEvent `json:"body"`
		}{Body: events}, nil
	})
}

func registerPlans(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-plans",
		Method:      http.MethodGet,
		Path:        "/plans",
		Summary:     "List battle plan templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.BattlePlan `json:"body"`
	}, error) {
		return &struct {
			Body []domain.BattlePlan `json:"body"`
		}{Body: cfg.Registry.List()}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the audit event log",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []store.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		events, err := cfg.Store.LatestEvents(ctx, limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []store.Event `json:"body"`
		}{Body: events}, nil
	})
}

func registerMetrics(api huma.API, cfg Config) {
	type metricsBody struct {
		Summary   metrics.Summary         `json:"summary"`
		Resources []domain.ResourceSample `json:"resources,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "metrics-summary",
		Method:      http.MethodGet,
		Path:        "/metrics",
		Summary:     "Convoy outcome and resource metrics",
	}, func(ctx context.Context, input *struct {
		Samples int `query:"samples"`
	}) (*struct {
		Body metricsBody `json:"body"`
	}, error) {
		summary, err := cfg.Metrics.Summarize(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		samples, err := cfg.Metrics.LatestResourceSamples(ctx, input.Samples)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body metricsBody `json:"body"`
		}{Body: metricsBody{Summary: summary, Resources: samples}}, nil
	})
}
