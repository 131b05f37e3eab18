package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"dealdesk/internal/engine"
	"dealdesk/internal/engine/auth"
	"dealdesk/internal/logger"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      *logger.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"status_conflict"`
	Message string         `json:"message" example:"cannot counter a negotiation in status completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"status\":\"completed\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the negotiation API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Log == nil {
		cfg.Log = logger.Nop()
	}
	if cfg.Auth.Log == nil {
		cfg.Auth.Log = cfg.Log
	}
	if cfg.Engine.Log == nil {
		cfg.Engine.Log = cfg.Log
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Dealdesk API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerDocs(router, basePath)
	registerHealth(group)
	registerNegotiations(group, e)
	registerTools(group, e)
	registerContracts(group, e)
	registerEvents(group, e)
	registerDevAuth(group, cfg.Auth)
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

// engineError maps err and logs the ones that surface as server failures.
func engineError(e engine.Engine, err error) huma.StatusError {
	se := handleError(err)
	if se != nil && se.GetStatus() >= http.StatusInternalServerError && e.Log != nil {
		e.Log.Error("request failed", "error", err)
	}
	return se
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"user_id": fe.UserID})
	}
	if errors.Is(err, engine.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	}
	var st *engine.StatusError
	if errors.As(err, &st) {
		return newAPIError(http.StatusConflict, "status_conflict", err.Error(), map[string]any{"status": st.Status, "action": st.Action})
	}
	if errors.Is(err, engine.ErrInvalidInput) {
		return newAPIError(http.StatusBadRequest, "validation_error", err.Error(), nil)
	}
	var ge engine.GenerationError
	if errors.As(err, &ge) {
		return newAPIError(http.StatusBadGateway, "generation_failed", "the offer could not be prepared, please retry", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation_error"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "status_conflict"
	case http.StatusBadGateway:
		return "generation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	page := strings.ReplaceAll(docsPage, "{{spec}}", path.Join("/", basePath, "openapi.json"))
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, page)
	})
}

const docsPage = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8"/>
<title>Dealdesk API</title>
<link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
<div id="swagger-ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
<script>window.onload = () => SwaggerUIBundle({url: '{{spec}}', dom_id: '#swagger-ui'});</script>
</body>
</html>`

// registerOpenAPI serves the document once it has been decorated with the
// error envelope and the auth schemes.
func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			documentErrors(oas)
			documentSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

// operationErrors lists the statuses an operation can answer with besides
// the ones every authenticated route shares.
var operationErrors = map[string][]int{
	"start-negotiation":        {http.StatusBadRequest, http.StatusBadGateway},
	"send-negotiation-message": {http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	"get-negotiation":          {http.StatusNotFound},
	"negotiation-history":      {http.StatusNotFound},
	"negotiation-validations":  {http.StatusNotFound},
	"delete-negotiation":       {http.StatusNotFound},
	"active-negotiation":       {http.StatusNotFound},
	"validate-terms":           {http.StatusBadRequest},
	"appraise-trade-in":        {http.StatusBadRequest},
	"get-contract":             {http.StatusBadRequest, http.StatusNotFound},
	"dev-login":                {http.StatusBadRequest},
}

func documentErrors(oas *huma.OpenAPI) {
	if oas == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	envelope := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	response := func(status int) *huma.Response {
		return &huma.Response{
			Description: http.StatusText(status) + " (" + defaultCodeForStatus(status) + ")",
			Content:     map[string]*huma.MediaType{"application/json": {Schema: envelope}},
		}
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			statuses := append([]int{http.StatusInternalServerError}, operationErrors[op.OperationID]...)
			if op.OperationID != "health" && op.OperationID != "dev-login" {
				statuses = append(statuses, http.StatusUnauthorized, http.StatusForbidden)
			}
			for _, status := range statuses {
				op.Responses[strconv.Itoa(status)] = response(status)
			}
		}
	}
}

func operations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}

func documentSecurity(oas *huma.OpenAPI, basePath string) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearerAuth": {Type: "http", Scheme: "bearer", BearerFormat: "JWT", Description: "sub is the user id, role is client or service"},
		"apiKeyAuth": {Type: "apiKey", In: "header", Name: "X-Api-Key", Description: "service credential"},
	}
	required := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = required
	public := publicPaths(basePath)
	for route, item := range oas.Paths {
		_, open := public[route]
		for _, op := range operations(item) {
			if open {
				op.Security = []map[string][]string{}
			} else {
				op.Security = required
			}
		}
	}
}

// publicPaths are served without credentials.
func publicPaths(basePath string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, p := range []string{"healthz", "auth/dev/login", "openapi.json"} {
		out[path.Join("/", basePath, p)] = struct{}{}
	}
	return out
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
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
