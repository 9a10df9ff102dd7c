package serverapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"planql/internal/batch"
	"planql/internal/compiler"
	"planql/internal/config"
	"planql/internal/dbexec"
	"planql/internal/logging"
	"planql/internal/middleware"
	"planql/internal/observability"
	"planql/internal/ontology"
	"planql/internal/queryplan"
)

// apiHandlers carries the query pipeline into the HTTP layer. Handlers stay
// thin: decoding and tenant resolution happen here, everything about plan
// semantics stays with the compiler and orchestrator.
type apiHandlers struct {
	cfg          *config.Config
	logger       *logging.Logger
	registry     *ontology.Registry
	compiler     *compiler.Compiler
	runner       *dbexec.Runner
	orchestrator *batch.Orchestrator
}

type errorResponse struct {
	Error string `json:"error"`
}

type rejectionResponse struct {
	Rejected bool     `json:"rejected"`
	Issues   []string `json:"issues"`
}

type schemaResponse struct {
	Version     string `json:"version"`
	Description string `json:"description"`
}

// handleBatch executes a full plan batch. Once the envelope decodes and the
// tenant is known the response is always 200: per-plan failures, including a
// failed primary, are reported inside the batch result so the caller can use
// whatever evidence did arrive.
func (h apiHandlers) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	env, err := queryplan.DecodeBatch(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tenantID, ok := h.resolveTenant(w, r, env.TenantID)
	if !ok {
		return
	}

	if limit := h.cfg.Query.MaxContextualPlans; limit > 0 && len(env.Contextual) > limit {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("batch carries %d contextual plans, limit is %d", len(env.Contextual), limit))
		return
	}

	ctx := r.Context()
	if h.cfg.Query.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.Query.Timeout)
		defer cancel()
	}

	if env.Primary != nil {
		trace.SpanFromContext(ctx).SetAttributes(observability.PlanSpanAttributes(
			batch.QueryTypePrimary, env.Primary.Domain, primaryTarget(env.Primary), env.Primary.Entities, 0)...)
	}

	result := h.orchestrator.Execute(ctx, batch.Request{
		TenantID:   tenantID,
		Primary:    env.Primary,
		Contextual: env.Contextual,
		Connection: env.Connection,
	})

	writeJSON(w, http.StatusOK, result)
}

// handleQuery compiles and runs a single plan. Compilation failures come
// back as 422 with the full issue list; execution failures are 200 with
// success=false, matching the batch contract.
func (h apiHandlers) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	env, err := queryplan.DecodeQuery(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if env.Plan == nil {
		writeError(w, http.StatusBadRequest, "plan is required")
		return
	}

	tenantID, ok := h.resolveTenant(w, r, env.TenantID)
	if !ok {
		return
	}

	ctx := r.Context()
	if h.cfg.Query.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.Query.Timeout)
		defer cancel()
	}

	compiled, err := h.compiler.Compile(*env.Plan, tenantID)
	if err != nil {
		var rejection *compiler.Rejection
		if errors.As(err, &rejection) {
			logging.FromContext(ctx).Warn("plan rejected",
				slog.Int("issue_count", len(rejection.Issues)),
				slog.String("plan_fingerprint", env.Plan.Fingerprint()),
			)
			writeJSON(w, http.StatusUnprocessableEntity, rejectionResponse{
				Rejected: true,
				Issues:   rejection.Issues,
			})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	target := ""
	if len(compiled.Entities) > 0 {
		target = compiled.Entities[0]
	}
	trace.SpanFromContext(ctx).SetAttributes(observability.PlanSpanAttributes(
		"single", compiled.Domain, target, compiled.Entities, compiled.TableCount)...)

	result := h.runner.Run(ctx, compiled)

	fields := observability.PlanLogFields(ctx, "", "single", target)
	fields = append(fields,
		slog.Bool("success", result.Success),
		slog.Int64("duration_ms", result.ExecutionTimeMs),
	)
	logging.FromContext(ctx).Info("query executed", fields...)

	writeJSON(w, http.StatusOK, result)
}

// handleSchema serves the registry description so planner prompts can be
// built against exactly the ontology this service enforces.
func (h apiHandlers) handleSchema(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, schemaResponse{
		Version:     h.registry.Version(),
		Description: h.registry.Describe(),
	})
}

// resolveTenant decides which tenant scopes the request. With OIDC enabled
// the verified token is the only source of truth and any tenant in the body
// is ignored; with auth disabled the body field is required instead.
func (h apiHandlers) resolveTenant(w http.ResponseWriter, r *http.Request, bodyTenant string) (string, bool) {
	if h.cfg.Server.Auth.OIDCEnabled {
		auth, ok := middleware.AuthFromContext(r.Context())
		if !ok || auth.Tenant == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return "", false
		}
		return auth.Tenant, true
	}

	tenant := strings.TrimSpace(bodyTenant)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenantId is required")
		return "", false
	}
	return tenant, true
}

func primaryTarget(plan *queryplan.QueryPlan) string {
	if plan == nil || len(plan.Entities) == 0 {
		return ""
	}
	return plan.Entities[0]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
