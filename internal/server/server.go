// Package server exposes the pipeline engine over a JSON HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/lucasnoah/stagegate/internal/artifact"
	"github.com/lucasnoah/stagegate/internal/catalog"
	"github.com/lucasnoah/stagegate/internal/decision"
	"github.com/lucasnoah/stagegate/internal/escalation"
	"github.com/lucasnoah/stagegate/internal/executor"
	"github.com/lucasnoah/stagegate/internal/transition"
	"github.com/lucasnoah/stagegate/internal/workitem"
)

// Config wires the engine components into the API.
type Config struct {
	Items       *workitem.Manager
	Transitions *transition.Manager
	Escalations *escalation.Handler
	Executor    *executor.Executor
	// Artifacts stores content posted to the artifacts endpoint. Without it
	// only references can be registered.
	Artifacts artifact.Store
	// DefaultVariant is used when a create request names no variant.
	DefaultVariant string
	Logger         *slog.Logger
	BasePath       string
	Version        string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

var errorsOnce sync.Once

// New returns an HTTP handler for the API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Items == nil || cfg.Transitions == nil || cfg.Escalations == nil {
		return nil, errors.New("server: items, transitions and escalations are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	errorsOnce.Do(func() {
		huma.DefaultArrayNullable = false
		huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
			var details map[string]any
			if len(errs) > 0 {
				details = map[string]any{"errors": errs}
			}
			return newAPIError(status, "", msg, details)
		}
	})

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("stagegate API", version)
	hcfg.OpenAPIPath = basePath + "/openapi"
	hcfg.DocsPath = basePath + "/docs"
	hcfg.Components.Schemas = huma.NewMapRegistry("#/components/schemas/", schemaNamer)
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := &handlers{cfg: cfg}
	registerHealth(group, version)
	h.registerItems(group)
	h.registerTransitions(group)
	h.registerEscalations(group)
	h.registerAnalytics(group)
	router.Get(basePath+"/items/{id}/events", h.handleEvents)

	return router, nil
}

// schemaNamer qualifies schema names with their package so that types such
// as decision.Record and escalation.Record stay distinct.
func schemaNamer(t reflect.Type, hint string) string {
	name := huma.DefaultSchemaNamer(t, hint)
	for t.Kind() == reflect.Pointer || t.Kind() == reflect.Slice || t.Kind() == reflect.Map {
		t = t.Elem()
	}
	pkg := path.Base(t.PkgPath())
	if t.Name() == "" || pkg == "." || pkg == "server" {
		return name
	}
	return strings.ToUpper(pkg[:1]) + pkg[1:] + name
}

type handlers struct {
	cfg Config
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *decision.ValidationError
	switch {
	case errors.As(err, &ve):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_decision", err.Error(), map[string]any{"violations": ve.Violations})
	case errors.Is(err, workitem.ErrNotFound), errors.Is(err, escalation.ErrNotFound), errors.Is(err, artifact.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, transition.ErrUnauthorized), errors.Is(err, escalation.ErrUnauthorized):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, workitem.ErrClosed), errors.Is(err, workitem.ErrStaleDecision),
		errors.Is(err, escalation.ErrOpen), errors.Is(err, escalation.ErrAlreadyResolved),
		errors.Is(err, escalation.ErrInProgress):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, escalation.ErrNoExecutive):
		return newAPIError(http.StatusNotImplemented, "no_executive", err.Error(), nil)
	case errors.Is(err, workitem.ErrAmbiguous), errors.Is(err, transition.ErrInvalidRollback),
		errors.Is(err, catalog.ErrUnknownVariant):
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func badRequest(msg string) huma.StatusError {
	return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
}

func registerHealth(api huma.API, version string) {
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
		}{Body: map[string]string{"status": "ok", "version": version}}, nil
	})
}

// ListenAndServe serves handler on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	if logger != nil {
		logger.Info("serving API", "addr", ln.Addr().String())
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
