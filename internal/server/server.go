package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetinspect/internal/domain"
	"fleetinspect/internal/engine"
	"fleetinspect/internal/events"
	"fleetinspect/internal/metrics"
	"fleetinspect/internal/syncq"
	"fleetinspect/pkg/log"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Journal  events.Journal
	BasePath string
	Auth     AuthConfig
	Logger   log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"photo_required"`
	Message string         `json:"message" example:"photo required for item \"Frenos\""`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"item_id\":101}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handler struct {
	eng     *engine.Engine
	journal events.Journal
	log     log.Logger
}

// New returns an HTTP handler exposing the inspection API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Request validation errors are client input problems.
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
	hcfg := huma.DefaultConfig("Fleet Inspection API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := &handler{eng: cfg.Engine, journal: cfg.Journal, log: logger.WithName("api")}
	registerDocs(router, basePath)
	registerMetrics(router, basePath)
	registerHealth(group)
	h.registerSession(group)
	h.registerItems(group)
	h.registerVehicles(group)
	h.registerSync(group)
	h.registerEvents(group)
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
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	}
	var pr *engine.PhotoRequiredError
	if errors.As(err, &pr) {
		return newAPIError(http.StatusUnprocessableEntity, "photo_required", err.Error(), map[string]any{
			"index":   pr.Index,
			"item_id": pr.ItemID,
			"name":    pr.Name,
		})
	}
	var ie *engine.IncompleteItemsError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusUnprocessableEntity, "incomplete_items", err.Error(), map[string]any{
			"count":       ie.Count,
			"first_index": ie.FirstIndex,
		})
	}
	var rej *engine.RejectionError
	if errors.As(err, &rej) {
		return newAPIError(http.StatusUnprocessableEntity, "rejected", rej.Reason.Message(), map[string]any{
			"reason": string(rej.Reason),
			"detail": rej.Message,
		})
	}
	switch {
	case errors.Is(err, engine.ErrNoTemplate):
		return newAPIError(http.StatusUnprocessableEntity, "no_template", err.Error(), nil)
	case errors.Is(err, engine.ErrNoSession):
		return newAPIError(http.StatusNotFound, "no_session", err.Error(), nil)
	case errors.Is(err, syncq.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrSessionInProgress):
		return newAPIError(http.StatusConflict, "session_in_progress", err.Error(), nil)
	case errors.Is(err, engine.ErrStale):
		return newAPIError(http.StatusConflict, "stale", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidTransition), errors.Is(err, engine.ErrNoCurrentItem):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, engine.ErrRemoteUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "remote_unavailable", err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "timeout", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "remote_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerMetrics(r chi.Router, basePath string) {
	r.Handle(path.Join(basePath, "metrics"), promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
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
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	schema := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
					"application/json": {Schema: schema},
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
	healthPath := path.Join("/", basePath, "health")
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
    <title>Fleet Inspection API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; when a JWT secret is configured.
    </p>
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

type sessionOutput struct {
	Body SessionResponse `json:"body"`
}

func (h *handler) respond(s *domain.Session, err error) (*sessionOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &sessionOutput{Body: mapSession(s, h.eng.Policy().RequirePhotoForBad)}, nil
}

func caller(ctx context.Context) string {
	if p, ok := principalFromContext(ctx); ok {
		return p.Subject
	}
	return ""
}

func (h *handler) registerSession(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/session",
		Summary:     "Current inspection session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*sessionOutput, error) {
		return h.respond(h.eng.Session())
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-session",
		Method:      http.MethodPost,
		Path:        "/session",
		Summary:     "Open a draft inspection for a vehicle",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body StartSessionRequest `json:"body"`
	}) (*sessionOutput, error) {
		h.log.Info("start session", "vehicle", input.Body.VehicleID, "caller", caller(ctx))
		return h.respond(h.eng.SelectVehicle(ctx, input.Body.VehicleID, input.Body.DriverID))
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cancel-session",
		Method:        http.MethodDelete,
		Path:          "/session",
		Summary:       "Cancel the session and drop its pending writes",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		if err := h.eng.Cancel(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-driver",
		Method:      http.MethodPost,
		Path:        "/session/driver",
		Summary:     "Submit driver information and load the checklist",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body domain.DriverInfo `json:"body"`
	}) (*sessionOutput, error) {
		return h.respond(h.eng.SubmitDriverInfo(ctx, input.Body))
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-signature",
		Method:      http.MethodPost,
		Path:        "/session/signature",
		Summary:     "Record the driver's signature",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SignatureRequest `json:"body"`
	}) (*sessionOutput, error) {
		sig := &domain.Signature{Strokes: input.Body.Strokes, Width: input.Body.Width, Height: input.Body.Height}
		return h.respond(h.eng.RecordSignature(ctx, sig))
	})

	huma.Register(api, huma.Operation{
		OperationID: "amend-signature",
		Method:      http.MethodPost,
		Path:        "/session/signature/amend",
		Summary:     "Return from the summary to the signature pad",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*sessionOutput, error) {
		return h.respond(h.eng.AmendSignature(ctx))
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-observations",
		Method:      http.MethodPost,
		Path:        "/session/observations",
		Summary:     "Record the general observations sent on completion",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ObservationsRequest `json:"body"`
	}) (*sessionOutput, error) {
		return h.respond(h.eng.SetObservations(ctx, input.Body.Observations))
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-session",
		Method:      http.MethodPost,
		Path:        "/session/finalize",
		Summary:     "Sync every pending change and complete the inspection",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, _ *struct{}) (*sessionOutput, error) {
		return h.respond(h.eng.Finalize(ctx))
	})
}

func (h *handler) registerItems(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "set-item-status",
		Method:      http.MethodPost,
		Path:        "/session/items/current/status",
		Summary:     "Record a verdict for the current item",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body ItemStatusRequest `json:"body"`
	}) (*sessionOutput, error) {
		status, err := domain.ParseStatus(input.Body.Status)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"field": "status"})
		}
		return h.respond(h.eng.SetItemStatus(ctx, engine.ItemUpdate{
			Status:       status,
			Observations: input.Body.Observations,
			Photos:       toPhotos(input.Body.Photos),
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance",
		Method:      http.MethodPost,
		Path:        "/session/advance",
		Summary:     "Move to the next item",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, _ *struct{}) (*sessionOutput, error) {
		return h.respond(h.eng.Advance(ctx))
	})

	huma.Register(api, huma.Operation{
		OperationID: "open-observations",
		Method:      http.MethodPost,
		Path:        "/session/items/current/observations",
		Summary:     "Open the observation editor for the current item",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*sessionOutput, error) {
		return h.respond(h.eng.OpenObservations(ctx))
	})

	huma.Register(api, huma.Operation{
		OperationID: "open-camera",
		Method:      http.MethodPost,
		Path:        "/session/items/current/camera",
		Summary:     "Open the photo step for the current item",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*sessionOutput, error) {
		return h.respond(h.eng.OpenCamera(ctx))
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-capture",
		Method:      http.MethodPost,
		Path:        "/session/capture/cancel",
		Summary:     "Leave observations or photo capture without saving",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*sessionOutput, error) {
		return h.respond(h.eng.CancelCapture(ctx))
	})

	huma.Register(api, huma.Operation{
		OperationID: "retreat",
		Method:      http.MethodPost,
		Path:        "/session/retreat",
		Summary:     "Move to the previous item",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*sessionOutput, error) {
		return h.respond(h.eng.Retreat(ctx))
	})
}

func (h *handler) registerVehicles(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-vehicles",
		Method:      http.MethodGet,
		Path:        "/vehicles",
		Summary:     "Vehicles available for inspection",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Search string `query:"search"`
		Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body VehiclesResponse `json:"body"`
	}, error) {
		list, err := h.eng.Vehicles(ctx, input.Search, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VehiclesResponse `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recent-vehicles",
		Method:      http.MethodGet,
		Path:        "/vehicles/recent",
		Summary:     "Vehicles inspected recently",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"10" minimum:"1" maximum:"100"`
	}) (*struct {
		Body VehiclesResponse `json:"body"`
	}, error) {
		list, err := h.eng.RecentVehicles(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VehiclesResponse `json:"body"`
		}{Body: list}, nil
	})
}

func (h *handler) registerSync(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "sync-status",
		Method:      http.MethodGet,
		Path:        "/sync",
		Summary:     "Pending and rejected changes",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SyncResponse `json:"body"`
	}, error) {
		pending, err := h.eng.Queue.List(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		rejected, err := h.eng.Queue.Rejected(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if pending == nil {
			pending = []domain.PendingMutation{}
		}
		if rejected == nil {
			rejected = []domain.PendingMutation{}
		}
		return &struct {
			Body SyncResponse `json:"body"`
		}{Body: SyncResponse{Pending: pending, Rejected: rejected}}, nil
	})

	// A stopped drain is reported in the body, not as an error status.
	huma.Register(api, huma.Operation{
		OperationID: "sync-drain",
		Method:      http.MethodPost,
		Path:        "/sync/drain",
		Summary:     "Replay pending changes now",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body DrainResponse `json:"body"`
	}, error) {
		res, err := h.eng.Queue.Drain(ctx)
		out := DrainResponse{DrainResult: res}
		if err != nil {
			out.Error = err.Error()
		}
		return &struct {
			Body DrainResponse `json:"body"`
		}{Body: out}, nil
	})
}

func (h *handler) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Session activity journal, newest first",
	}, func(ctx context.Context, input *struct {
		InspectionID int64  `query:"inspection_id"`
		Type         string `query:"type"`
		Limit        int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		list, err := h.journal.List(ctx, events.Query{InspectionID: input.InspectionID, Type: input.Type, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		if list == nil {
			list = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: list}, nil
	})
}
