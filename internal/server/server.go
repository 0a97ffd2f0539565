package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"skyplan/internal/backend"
	"skyplan/internal/batch"
	"skyplan/internal/commit"
	"skyplan/internal/domain"
	"skyplan/internal/events"
	"skyplan/internal/inbox"
	"skyplan/internal/ordercache"
)

// Config for the local HTTP API handler. The server exposes the client's
// own state (accepted orders, batches, inbox cache) to UI collaborators;
// the planning backend stays behind the commit and batch engines.
type Config struct {
	Cache    *ordercache.Store
	Commit   *commit.Engine
	Batches  *batch.Manager
	Inbox    *inbox.View
	Events   *events.Writer
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"cannot commit batch b1 in status draft"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Skyplan local API.
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

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Skyplan Local API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAcceptedOrders(group, cfg)
	registerInbox(group, cfg)
	registerBatches(group, cfg)
	registerCommit(group, cfg)
	registerEvents(group, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var te *batch.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "illegal_transition", err.Error(), map[string]any{
			"batch_id": te.BatchID,
			"status":   te.Status,
			"op":       te.Op,
		})
	}
	var be *backend.APIError
	if errors.As(err, &be) {
		return newAPIError(be.StatusCode, "backend_error", err.Error(), nil)
	}
	switch {
	case errors.Is(err, ordercache.ErrNotFound), errors.Is(err, batch.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, commit.ErrCommitInFlight), errors.Is(err, batch.ErrTransitionInFlight):
		return newAPIError(http.StatusConflict, "in_flight", err.Error(), nil)
	case errors.Is(err, commit.ErrRejected):
		return newAPIError(http.StatusUnprocessableEntity, "commit_rejected", err.Error(), nil)
	case errors.Is(err, inbox.ErrStale):
		return newAPIError(http.StatusConflict, "superseded", err.Error(), nil)
	case errors.Is(err, commit.ErrEmptySchedule),
		errors.Is(err, batch.ErrEmptyOrders),
		errors.Is(err, batch.ErrNoPolicy),
		errors.Is(err, batch.ErrBadLockLevel):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Skyplan Local API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
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

func registerAcceptedOrders(api huma.API, cfg Config) {
	type orderPath struct {
		OrderID string `path:"order_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-accepted-orders",
		Method:      http.MethodGet,
		Path:        "/orders/accepted",
		Summary:     "List accepted orders",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []AcceptedOrderResponse `json:"body"`
	}, error) {
		return &struct {
			Body []AcceptedOrderResponse `json:"body"`
		}{Body: mapAcceptedOrders(cfg.Cache.List())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-accepted-order",
		Method:      http.MethodGet,
		Path:        "/orders/accepted/{order_id}",
		Summary:     "Get accepted order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *orderPath) (*struct {
		Body domain.AcceptedOrder `json:"body"`
	}, error) {
		o, err := cfg.Cache.Get(input.OrderID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AcceptedOrder `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-accepted-order",
		Method:        http.MethodDelete,
		Path:          "/orders/accepted/{order_id}",
		Summary:       "Remove accepted order",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *orderPath) (*struct{}, error) {
		if err := cfg.Cache.Remove(ctx, input.OrderID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "clear-accepted-orders",
		Method:        http.MethodDelete,
		Path:          "/orders/accepted",
		Summary:       "Clear accepted orders",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		if err := cfg.Cache.Clear(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-accepted-orders",
		Method:      http.MethodGet,
		Path:        "/orders/accepted/export",
		Summary:     "Export accepted orders with full schedules",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.AcceptedOrder `json:"body"`
	}, error) {
		return &struct {
			Body []domain.AcceptedOrder `json:"body"`
		}{Body: cfg.Cache.List()}, nil
	})
}

func registerInbox(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-inbox",
		Method:      http.MethodGet,
		Path:        "/inbox",
		Summary:     "Fetch backend-scored standing orders",
	}, func(ctx context.Context, input *struct {
		PriorityMin    int    `query:"priority_min"`
		DueWithinHours int    `query:"due_within_hours"`
		PolicyID       string `query:"policy_id"`
	}) (*struct {
		Body []ScoredOrderResponse `json:"body"`
	}, error) {
		orders, err := cfg.Inbox.Fetch(ctx, backend.InboxFilters{
			PriorityMin:    input.PriorityMin,
			DueWithinHours: input.DueWithinHours,
			PolicyID:       input.PolicyID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ScoredOrderResponse `json:"body"`
		}{Body: mapScoredOrders(orders)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "reject-order",
		Method:        http.MethodPost,
		Path:          "/inbox/{order_id}/reject",
		Summary:       "Reject a standing order",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
		Body    struct {
			Reason string `json:"reason,omitempty"`
		} `json:"body"`
	}) (*struct{}, error) {
		if err := cfg.Inbox.Reject(ctx, input.OrderID, input.Body.Reason); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "defer-order",
		Method:        http.MethodPost,
		Path:          "/inbox/{order_id}/defer",
		Summary:       "Defer a standing order",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
		Body    struct {
			Hours int `json:"hours"`
		} `json:"body"`
	}) (*struct{}, error) {
		if input.Body.Hours <= 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "hours must be positive", nil)
		}
		if err := cfg.Inbox.Defer(ctx, input.OrderID, input.Body.Hours); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerBatches(api huma.API, cfg Config) {
	type batchPath struct {
		BatchID string `path:"batch_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-batch",
		Method:        http.MethodPost,
		Path:          "/batches",
		Summary:       "Create draft batch",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateBatchRequest `json:"body"`
	}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		b, err := cfg.Batches.Create(ctx, input.Body.OrderIDs, input.Body.PolicyID)
		if err != nil {
			return nil, handleError(err)
		}
		// A batch adopts the inbox selection when it matches.
		if cfg.Inbox != nil {
			cfg.Inbox.ClearSelection()
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: batchResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-batches",
		Method:      http.MethodGet,
		Path:        "/batches",
		Summary:     "List batches",
	}, func(ctx context.Context, input *struct {
		Refresh bool `query:"refresh"`
	}) (*struct {
		Body []BatchResponse `json:"body"`
	}, error) {
		if input.Refresh {
			batches, err := cfg.Batches.Refresh(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body []BatchResponse `json:"body"`
			}{Body: mapBatches(batches)}, nil
		}
		return &struct {
			Body []BatchResponse `json:"body"`
		}{Body: mapBatches(cfg.Batches.List())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-batch",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_id}",
		Summary:     "Get batch",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *batchPath) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		b, err := cfg.Batches.Get(input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: batchResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "plan-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{batch_id}/plan",
		Summary:     "Plan a draft batch",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *batchPath) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		b, err := cfg.Batches.Plan(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: batchResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "commit-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{batch_id}/commit",
		Summary:     "Commit a planned batch",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		BatchID string `path:"batch_id"`
		Body    struct {
			LockLevel string `json:"lock_level,omitempty" enum:"none,soft,hard"`
		} `json:"body"`
	}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		b, err := cfg.Batches.Commit(ctx, input.BatchID, input.Body.LockLevel)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: batchResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{batch_id}/cancel",
		Summary:     "Cancel a draft or planned batch",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *batchPath) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		b, err := cfg.Batches.Cancel(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: batchResponse(b)}, nil
	})
}

func registerCommit(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "promote-plan",
		Method:        http.MethodPost,
		Path:          "/commit",
		Summary:       "Promote a planning result to a committed order",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CommitPlanRequest `json:"body"`
	}) (*struct {
		Body domain.AcceptedOrder `json:"body"`
	}, error) {
		if input.Body.Algorithm == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "algorithm is required", nil)
		}
		receipt, err := cfg.Commit.Promote(ctx, input.Body.Algorithm, input.Body.Result)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AcceptedOrder `json:"body"`
		}{Body: receipt}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest event log entries",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		items, err := cfg.Events.Latest(ctx, limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
