package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pledgeline/internal/domain"
	"pledgeline/internal/engine"
	"pledgeline/internal/ledger"
	"pledgeline/internal/report"
	"pledgeline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflicting_contract"`
	Message string         `json:"message" example:"You already have a contract running. Finish or cancel it first."`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the contract API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request; 422 is reserved for invalid_stake.
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
	hcfg := huma.DefaultConfig("Pledgeline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	s := handlers{engine: cfg.Engine, wallet: ledger.SQL{DB: cfg.Engine.DB}, logger: cfg.Logger}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	registerDocs(router, basePath)
	registerHealth(group)
	s.registerTargets(group)
	s.registerWallet(group)
	s.registerContracts(group)
	s.registerEvents(group)
	registerOpenAPI(router, api, basePath, cfg.Auth.AllowUserHeader)

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

// handleError maps engine error kinds onto the envelope. The message is the
// user-facing text; the underlying error goes into details.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	details := map[string]any{"reason": err.Error()}
	switch kind := engine.Kind(err); kind {
	case "invalid_stake":
		return newAPIError(http.StatusUnprocessableEntity, kind, report.Message(err), details)
	case "insufficient_funds":
		return newAPIError(http.StatusPaymentRequired, kind, report.Message(err), details)
	case "conflicting_contract", "stake_already_reduced":
		return newAPIError(http.StatusConflict, kind, report.Message(err), details)
	case "invalid_operation":
		if errors.Is(err, repo.ErrNotFound) {
			return newAPIError(http.StatusNotFound, kind, "Contract not found.", details)
		}
		return newAPIError(http.StatusBadRequest, kind, report.Message(err), details)
	case "ledger_unavailable":
		return newAPIError(http.StatusServiceUnavailable, kind, report.Message(err), details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", details)
}

// handleResultError is handleError for operations that may have committed a
// catch-up before failing; the closed windows are reported in details.
func handleResultError(res engine.Result, err error) huma.StatusError {
	se := handleError(err)
	if ae, ok := se.(*apiError); ok && len(res.Evaluations) > 0 {
		if ae.Body.Details == nil {
			ae.Body.Details = map[string]any{}
		}
		ae.Body.Details["evaluations"] = res.Evaluations
		ae.Body.Details["summary"] = report.Summarize(res.Evaluations)
	}
	return se
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string, userHeader bool) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath, userHeader)
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
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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

func applyAuthSecurity(oas *huma.OpenAPI, basePath string, userHeader bool) {
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
	if userHeader {
		oas.Components.SecuritySchemes["userHeader"] = &huma.SecurityScheme{
			Type: "apiKey",
			In:   "header",
			Name: "X-User-Id",
		}
		security = append(security, map[string][]string{"userHeader": {}})
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
    <title>Pledgeline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

type handlers struct {
	engine engine.Engine
	wallet ledger.SQL
	logger *slog.Logger
}

type contractPath struct {
	ID string `path:"id"`
}

type contractOutput struct {
	Body ContractResponse `json:"body"`
}

func (s handlers) registerTargets(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-targets",
		Method:      http.MethodGet,
		Path:        "/targets",
		Summary:     "List habits and goals eligible for a contract",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Target `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := s.engine.Repo.ListEligibleTargets(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Target{}
		}
		return &struct {
			Body []domain.Target `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-target",
		Method:      http.MethodPost,
		Path:        "/targets",
		Summary:     "Register a habit or goal",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateTargetRequest `json:"body"`
	}) (*struct {
		Body domain.Target `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Title) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		t := domain.Target{
			ID:        strings.TrimSpace(input.Body.ID),
			UserID:    userID,
			Type:      domain.TargetType(input.Body.Type),
			Title:     input.Body.Title,
			CreatedAt: s.engine.CurrentTime().UTC().Format(time.RFC3339),
		}
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if err := s.engine.Repo.InsertTarget(ctx, t); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Target `json:"body"`
		}{Body: t}, nil
	})
}

func (s handlers) registerWallet(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-wallet",
		Method:      http.MethodGet,
		Path:        "/wallet",
		Summary:     "Current gold and token balances",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WalletResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		balances, err := s.wallet.Balances(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WalletResponse `json:"body"`
		}{Body: WalletResponse{UserID: userID, Balances: balances}}, nil
	})
}

func (s handlers) registerContracts(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "create-contract",
		Method:      http.MethodPost,
		Path:        "/contracts",
		Summary:     "Create a draft contract",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body CreateContractRequest `json:"body"`
	}) (*contractOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := s.engine.Create(ctx, userID, input.Body.options())
		if err != nil {
			return nil, handleError(err)
		}
		return &contractOutput{Body: contractResponse(s.engine, engine.Result{Contract: c})}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-contracts",
		Method:      http.MethodGet,
		Path:        "/contracts",
		Summary:     "List contracts",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"draft,active,paused,awaiting_recovery,completed,cancelled"`
	}) (*struct {
		Body []domain.Contract `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := s.engine.List(ctx, userID, domain.Status(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Contract{}
		}
		return &struct {
			Body []domain.Contract `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-active-contract",
		Method:      http.MethodGet,
		Path:        "/contracts/active",
		Summary:     "The open contract, caught up to now",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*contractOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.engine.Active(ctx, userID)
		if err != nil {
			return nil, handleResultError(res, err)
		}
		return &contractOutput{Body: contractResponse(s.engine, res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/contracts/{id}",
		Summary:     "Contract status, caught up to now",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *contractPath) (*contractOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.engine.Get(ctx, userID, input.ID)
		if err != nil {
			return nil, handleResultError(res, err)
		}
		return &contractOutput{Body: contractResponse(s.engine, res)}, nil
	})

	s.registerAction(api, "activate-contract", "activate", "Escrow the stake and start the first window",
		[]int{http.StatusPaymentRequired, http.StatusConflict}, s.engine.Activate)
	s.registerAction(api, "record-progress", "progress", "Count one completion in the current window",
		nil, s.engine.RecordProgress)
	s.registerAction(api, "check-contract", "check", "Evaluate every window that has closed",
		nil, s.engine.Check)
	s.registerAction(api, "reset-contract", "reset", "Restake the original amount after a miss",
		[]int{http.StatusPaymentRequired}, s.engine.Reset)
	s.registerAction(api, "resume-contract", "resume", "End a pause early",
		nil, s.engine.Resume)
	s.registerAction(api, "cancel-contract", "cancel", "Cancel the contract",
		nil, s.engine.Cancel)

	huma.Register(api, huma.Operation{
		OperationID: "reduce-stake",
		Method:      http.MethodPost,
		Path:        "/contracts/{id}/reduce-stake",
		Summary:     "Restart with a smaller stake (once per contract)",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusPaymentRequired, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body ReduceStakeRequest `json:"body"`
	}) (*contractOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.engine.ReduceStake(ctx, userID, input.ID, input.Body.NewStakeAmount)
		if err != nil {
			return nil, handleResultError(res, err)
		}
		return &contractOutput{Body: contractResponse(s.engine, res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{id}/pause",
		Summary:     "Suspend evaluation for a number of days",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Days int    `query:"days" doc:"pause length in days; 0 uses the configured default"`
	}) (*contractOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.engine.Pause(ctx, userID, input.ID, input.Days)
		if err != nil {
			return nil, handleResultError(res, err)
		}
		return &contractOutput{Body: contractResponse(s.engine, res)}, nil
	})
}

// registerAction registers a body-less POST /contracts/{id}/<verb> operation.
func (s handlers) registerAction(api huma.API, opID, verb, summary string, extraErrors []int,
	op func(ctx context.Context, userID, contractID string) (engine.Result, error)) {
	errs := append([]int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable}, extraErrors...)
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        "/contracts/{id}/" + verb,
		Summary:     summary,
		Errors:      errs,
	}, func(ctx context.Context, input *contractPath) (*contractOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := op(ctx, userID, input.ID)
		if err != nil {
			s.logger.Debug("contract operation failed", "op", verb, "user", userID, "contract", input.ID, "err", err)
			return nil, handleResultError(res, err)
		}
		return &contractOutput{Body: contractResponse(s.engine, res)}, nil
	})
}

func (s handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		ContractID string `query:"contract_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := s.engine.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), userID, input.Type, input.ContractID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := []EventResponse{}
		for _, evt := range items {
			resp = append(resp, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
