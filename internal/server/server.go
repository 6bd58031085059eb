package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"quotaline/internal/engine"
	"quotaline/internal/quota"
	"quotaline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *logrus.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"user 3 already has an active allocation in pool 7"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Quotaline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
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
	router.Use(requestLogger(log))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Quotaline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerStages(group, cfg.Engine)
	registerPools(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerAllocations(group, cfg.Engine)
	registerReports(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start).String(),
			}).Debug("request")
		})
	}
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

// handleError translates engine taxonomy errors into the HTTP envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	switch quota.KindOf(err) {
	case quota.KindNotFound:
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case quota.KindInvalidArgument:
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case quota.KindConflict:
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case quota.KindInvalidState:
		return newAPIError(http.StatusUnprocessableEntity, "invalid_state", msg, nil)
	case quota.KindUnavailable:
		return newAPIError(http.StatusServiceUnavailable, "unavailable", "store busy, retry", nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
		return "invalid_state"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func idStr(id int64) string { return strconv.FormatInt(id, 10) }

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Quotaline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domainProjectBody `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, input.Body.Code, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domainProjectBody `json:"body"`
		}{Body: domainProjectBody{Project: p}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body projectListBody `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body projectListBody `json:"body"`
		}{Body: projectListBody{Projects: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-matrix",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/matrix",
		Summary:     "Project progress matrix",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body engine.MatrixView `json:"body"`
	}, error) {
		m, err := e.GetMatrixView(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.MatrixView `json:"body"`
		}{Body: m}, nil
	})
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-stage",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/stages",
		Summary:       "Create stage",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID int64              `path:"project_id"`
		Body      CreateStageRequest `json:"body"`
	}) (*struct {
		Body domainStageBody `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateStage(ctx, input.ProjectID, input.Body.Name, input.Body.Seq, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domainStageBody `json:"body"`
		}{Body: domainStageBody{Stage: s}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stages",
		Summary:     "List stages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body stageListBody `json:"body"`
	}, error) {
		items, err := e.Repo.ListStages(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body stageListBody `json:"body"`
		}{Body: stageListBody{Stages: items}}, nil
	})
}

func registerPools(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-pool",
		Method:        http.MethodPost,
		Path:          "/pools",
		Summary:       "Create task pool",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreatePoolRequest `json:"body"`
	}) (*struct {
		Body domainPoolBody `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreatePool(ctx, input.Body.StageID, input.Body.Name, input.Body.TotalQuota, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domainPoolBody `json:"body"`
		}{Body: domainPoolBody{Pool: p}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pool",
		Method:      http.MethodGet,
		Path:        "/pools/{pool_id}",
		Summary:     "Pool status with allocations",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PoolID int64 `path:"pool_id"`
	}) (*struct {
		Body engine.PoolView `json:"body"`
	}, error) {
		pv, err := e.GetPoolView(ctx, input.PoolID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.PoolView `json:"body"`
		}{Body: pv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-pool",
		Method:      http.MethodPost,
		Path:        "/pools/{pool_id}/toggle",
		Summary:     "Enable or disable a pool",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PoolID int64 `path:"pool_id"`
	}) (*struct {
		Body domainPoolBody `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.TogglePool(ctx, input.PoolID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domainPoolBody `json:"body"`
		}{Body: domainPoolBody{Pool: p}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-pool",
		Method:      http.MethodDelete,
		Path:        "/pools/{pool_id}",
		Summary:     "Delete a pool without history",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		PoolID int64 `path:"pool_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeletePool(ctx, input.PoolID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "adjust-pool-quota",
		Method:      http.MethodPost,
		Path:        "/pools/{pool_id}/quota",
		Summary:     "Adjust pool quota with an audit trail",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PoolID int64              `path:"pool_id"`
		Body   AdjustQuotaRequest `json:"body"`
	}) (*struct {
		Body AdjustQuotaResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.AdjustPoolQuota(ctx, input.PoolID, input.Body.NewQuota, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AdjustQuotaResponse `json:"body"`
		}{Body: AdjustQuotaResponse{Adjustment: res.Adjustment, Pool: res.Pool, Preview: res.Preview}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-quota-adjustments",
		Method:      http.MethodGet,
		Path:        "/pools/{pool_id}/adjustments",
		Summary:     "List quota adjustment history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PoolID int64 `path:"pool_id"`
		Limit  int   `query:"limit"`
	}) (*struct {
		Body adjustmentListBody `json:"body"`
	}, error) {
		if _, err := e.Repo.GetPool(ctx, input.PoolID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListQuotaAdjustments(ctx, input.PoolID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body adjustmentListBody `json:"body"`
		}{Body: adjustmentListBody{Adjustments: items}}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body domainUserBody `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.CreateUser(ctx, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domainUserBody `json:"body"`
		}{Body: domainUserBody{User: u}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-allocations",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/allocations",
		Summary:     "Active allocations for one user",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID int64 `path:"user_id"`
	}) (*struct {
		Body myAllocationsBody `json:"body"`
	}, error) {
		items, err := e.GetMyAllocations(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body myAllocationsBody `json:"body"`
		}{Body: myAllocationsBody{Allocations: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/users/{user_id}/api-keys",
		Summary:       "Issue an API key for a user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID int64               `path:"user_id"`
		Body   CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetUser(ctx, input.UserID); err != nil {
			return nil, handleError(err)
		}
		rawKey := uuid.New().String()
		key, err := e.Repo.CreateAPIKey(ctx, input.UserID, input.Body.Name, rawKey)
		if err != nil {
			return nil, handleError(err)
		}
		// the raw key is shown once; only its hash is stored
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			UserID:    key.UserID,
			Name:      key.Name,
			Key:       rawKey,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{key_id}",
		Summary:     "Revoke an API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAllocations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-allocation",
		Method:        http.MethodPost,
		Path:          "/allocations",
		Summary:       "Allocate a user into a pool",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateAllocationRequest `json:"body"`
	}) (*struct {
		Body AllocationResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CreateAllocation(ctx, input.Body.PoolID, input.Body.UserID, input.Body.TargetQuota, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AllocationResponse `json:"body"`
		}{Body: allocationResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-allocations",
		Method:      http.MethodGet,
		Path:        "/allocations",
		Summary:     "List allocations",
	}, func(ctx context.Context, input *struct {
		PoolID int64  `query:"pool_id"`
		UserID int64  `query:"user_id"`
		Status string `query:"status" enum:",active,disabled"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body allocationListBody `json:"body"`
	}, error) {
		items, err := e.Repo.ListAllocations(ctx, repo.AllocationFilters{
			PoolID: input.PoolID,
			UserID: input.UserID,
			Status: input.Status,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body allocationListBody `json:"body"`
		}{Body: allocationListBody{Allocations: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-allocation",
		Method:      http.MethodPost,
		Path:        "/allocations/{allocation_id}/toggle",
		Summary:     "Enable or disable an allocation",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AllocationID int64 `path:"allocation_id"`
	}) (*struct {
		Body domainAllocationBody `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.ToggleAllocation(ctx, input.AllocationID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domainAllocationBody `json:"body"`
		}{Body: domainAllocationBody{Allocation: a}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-allocation-target",
		Method:      http.MethodPatch,
		Path:        "/allocations/{allocation_id}/target",
		Summary:     "Change an allocation target quota",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		AllocationID int64               `path:"allocation_id"`
		Body         UpdateTargetRequest `json:"body"`
	}) (*struct {
		Body UpdateTargetResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, snap, err := e.UpdateAllocationTarget(ctx, input.AllocationID, input.Body.TargetQuota, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UpdateTargetResponse `json:"body"`
		}{Body: UpdateTargetResponse{Allocation: a, Progress: snap}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-allocation",
		Method:      http.MethodDelete,
		Path:        "/allocations/{allocation_id}",
		Summary:     "Delete an allocation without history",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		AllocationID int64 `path:"allocation_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteAllocation(ctx, input.AllocationID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-report",
		Method:        http.MethodPost,
		Path:          "/reports",
		Summary:       "Submit a progress report",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body SubmitReportRequest `json:"body"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SubmitReport(ctx, engine.SubmitReportOptions{
			AllocationID:    input.Body.AllocationID,
			LogDate:         input.Body.LogDate,
			ValidQty:        input.Body.ValidQty,
			ExcludedQty:     input.Body.ExcludedQty,
			ExclusionReason: input.Body.ExclusionReason,
			Comment:         input.Body.Comment,
			Backfill:        input.Body.Backfill,
			SubmissionKey:   input.Body.SubmissionKey,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: reportResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revert-report",
		Method:      http.MethodPost,
		Path:        "/reports/{log_id}/revert",
		Summary:     "Revert a submitted report",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		LogID int64 `path:"log_id"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RevertReport(ctx, input.LogID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: reportResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reports",
		Method:      http.MethodGet,
		Path:        "/reports",
		Summary:     "List report logs",
	}, func(ctx context.Context, input *struct {
		AllocationID int64  `query:"allocation_id"`
		PoolID       int64  `query:"pool_id"`
		Status       string `query:"status" enum:",active,reverted"`
		Limit        int    `query:"limit"`
	}) (*struct {
		Body reportListBody `json:"body"`
	}, error) {
		items, err := e.Repo.ListReportLogs(ctx, repo.ReportFilters{
			AllocationID: input.AllocationID,
			PoolID:       input.PoolID,
			Status:       input.Status,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body reportListBody `json:"body"`
		}{Body: reportListBody{Reports: items}}, nil
	})
}
