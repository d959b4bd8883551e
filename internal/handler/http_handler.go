package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pesio-ai/be-ap-approval-rules/internal/errors"
	"github.com/pesio-ai/be-ap-approval-rules/internal/logger"
	"github.com/pesio-ai/be-ap-approval-rules/internal/service"
)

// Identity headers set by the upstream auth gateway.
const (
	HeaderUserID   = "X-User-ID"
	HeaderTenantID = "X-Tenant-ID"
)

// RuleLifecycle is the rule lifecycle surface exposed over HTTP.
type RuleLifecycle interface {
	PrepareCreate(ctx context.Context, draft service.RuleDraft, userID, tenantID, originalText string) service.Result
	PrepareModify(ctx context.Context, identifier string, changes service.RuleChanges, userID, tenantID, originalText string) service.Result
	PrepareDelete(ctx context.Context, identifier, userID, tenantID, originalText string) service.Result
	Confirm(ctx context.Context, token, userID, tenantID string) service.Result
	Cancel(ctx context.Context, token, userID, tenantID string) service.Result
	GetPendingForUser(ctx context.Context, userID string) service.Result
	ListRules(ctx context.Context, tenantID string, documentType *string) service.Result
	ExplainRule(ctx context.Context, tenantID, identifier string) service.Result
	GetRuleAudit(ctx context.Context, tenantID, identifier string) service.Result
	BuildSuggestionsMessage(ctx context.Context, tenantID string) service.Result
	BuildCoverageMessage(ctx context.Context, tenantID string) service.Result
}

// Analytics is the pattern analysis surface exposed over HTTP.
type Analytics interface {
	AnalyzeApprovalPatterns(ctx context.Context, tenantID string) (*service.ApprovalPatterns, error)
	GetRuleStatistics(ctx context.Context, tenantID, ruleID string) (*service.RuleStatistics, error)
}

// ReadinessCheck reports whether a backing dependency is reachable.
type ReadinessCheck func(ctx context.Context) error

type namedCheck struct {
	name  string
	check ReadinessCheck
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	rules     RuleLifecycle
	analytics Analytics
	log       *logger.Logger
	checks    []namedCheck
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(rules RuleLifecycle, analytics Analytics, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		rules:     rules,
		analytics: analytics,
		log:       log,
	}
}

// WithReadiness adds a dependency to the /health report.
func (h *HTTPHandler) WithReadiness(name string, check ReadinessCheck) *HTTPHandler {
	h.checks = append(h.checks, namedCheck{name: name, check: check})
	return h
}

// Routes registers every endpoint on a new mux.
func (h *HTTPHandler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", h.Health)

	mux.HandleFunc("/api/v1/rules", h.ListRules)
	mux.HandleFunc("/api/v1/rules/explain", h.ExplainRule)
	mux.HandleFunc("/api/v1/rules/pending", h.GetPending)
	mux.HandleFunc("/api/v1/rules/audit", h.GetRuleAudit)
	mux.HandleFunc("/api/v1/rules/prepare-create", h.PrepareCreate)
	mux.HandleFunc("/api/v1/rules/prepare-modify", h.PrepareModify)
	mux.HandleFunc("/api/v1/rules/prepare-delete", h.PrepareDelete)
	mux.HandleFunc("/api/v1/rules/confirm", h.Confirm)
	mux.HandleFunc("/api/v1/rules/cancel", h.Cancel)

	mux.HandleFunc("/api/v1/analytics/patterns", h.GetPatterns)
	mux.HandleFunc("/api/v1/analytics/coverage", h.GetCoverage)
	mux.HandleFunc("/api/v1/analytics/suggestions", h.GetSuggestions)
	mux.HandleFunc("/api/v1/analytics/rule-statistics", h.GetRuleStatistics)

	return mux
}

const readinessTimeout = 2 * time.Second

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health reports healthy when every registered dependency answers, and 503
// otherwise.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy"}
	code := http.StatusOK
	if len(h.checks) > 0 {
		resp.Checks = make(map[string]string, len(h.checks))
	}

	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	for _, c := range h.checks {
		if err := c.check(ctx); err != nil {
			h.log.Warn().Err(err).Str("dependency", c.name).Msg("Readiness check failed")
			resp.Checks[c.name] = "unavailable"
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.name] = "ok"
	}
	writeJSON(w, code, resp)
}

type prepareCreateRequest struct {
	service.RuleDraft
	OriginalText string `json:"originalText,omitempty"`
}

type prepareModifyRequest struct {
	Identifier   string              `json:"identifier"`
	Changes      service.RuleChanges `json:"changes"`
	OriginalText string              `json:"originalText,omitempty"`
}

type prepareDeleteRequest struct {
	Identifier   string `json:"identifier"`
	OriginalText string `json:"originalText,omitempty"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

// PrepareCreate stages a new rule.
func (h *HTTPHandler) PrepareCreate(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	id, ok := identity(w, r)
	if !ok {
		return
	}

	var req prepareCreateRequest
	if !decode(w, r, &req) {
		return
	}

	h.writeResult(w, h.rules.PrepareCreate(r.Context(), req.RuleDraft, id.userID, id.tenantID, req.OriginalText))
}

// PrepareModify stages a partial modification of an existing rule.
func (h *HTTPHandler) PrepareModify(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	id, ok := identity(w, r)
	if !ok {
		return
	}

	var req prepareModifyRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Identifier) == "" {
		writeError(w, http.StatusBadRequest, errors.InvalidInput("identifier", "identifier is required"))
		return
	}

	h.writeResult(w, h.rules.PrepareModify(r.Context(), req.Identifier, req.Changes, id.userID, id.tenantID, req.OriginalText))
}

// PrepareDelete stages the deletion of an existing rule.
func (h *HTTPHandler) PrepareDelete(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	id, ok := identity(w, r)
	if !ok {
		return
	}

	var req prepareDeleteRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Identifier) == "" {
		writeError(w, http.StatusBadRequest, errors.InvalidInput("identifier", "identifier is required"))
		return
	}

	h.writeResult(w, h.rules.PrepareDelete(r.Context(), req.Identifier, id.userID, id.tenantID, req.OriginalText))
}

// Confirm commits a staged action.
func (h *HTTPHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	id, ok := identity(w, r)
	if !ok {
		return
	}

	var req tokenRequest
	if !decode(w, r, &req) {
		return
	}

	h.writeResult(w, h.rules.Confirm(r.Context(), req.Token, id.userID, id.tenantID))
}

// Cancel discards a staged action.
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	id, ok := identity(w, r)
	if !ok {
		return
	}

	var req tokenRequest
	if !decode(w, r, &req) {
		return
	}

	h.writeResult(w, h.rules.Cancel(r.Context(), req.Token, id.userID, id.tenantID))
}

// GetPending lists the caller's staged actions.
func (h *HTTPHandler) GetPending(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, ok := identity(w, r)
	if !ok {
		return
	}

	h.writeResult(w, h.rules.GetPendingForUser(r.Context(), id.userID))
}

// ListRules lists the tenant's rules, optionally by document_type.
func (h *HTTPHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, ok := identity(w, r)
	if !ok {
		return
	}

	var documentType *string
	if v := r.URL.Query().Get("document_type"); v != "" {
		documentType = &v
	}

	h.writeResult(w, h.rules.ListRules(r.Context(), id.tenantID, documentType))
}

// ExplainRule explains the rule named by ?rule=, or every active rule.
func (h *HTTPHandler) ExplainRule(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, ok := identity(w, r)
	if !ok {
		return
	}

	h.writeResult(w, h.rules.ExplainRule(r.Context(), id.tenantID, r.URL.Query().Get("rule")))
}

// GetRuleAudit returns the audit trail of the rule named by ?rule=.
func (h *HTTPHandler) GetRuleAudit(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, ok := identity(w, r)
	if !ok {
		return
	}

	rule := r.URL.Query().Get("rule")
	if rule == "" {
		writeError(w, http.StatusBadRequest, errors.InvalidInput("rule", "rule is required"))
		return
	}

	h.writeResult(w, h.rules.GetRuleAudit(r.Context(), id.tenantID, rule))
}

// GetPatterns returns the tenant's approval statistics.
func (h *HTTPHandler) GetPatterns(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, ok := identity(w, r)
	if !ok {
		return
	}

	patterns, err := h.analytics.AnalyzeApprovalPatterns(r.Context(), id.tenantID)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, patterns)
}

// GetCoverage renders the tenant's coverage gaps.
func (h *HTTPHandler) GetCoverage(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, ok := identity(w, r)
	if !ok {
		return
	}

	h.writeResult(w, h.rules.BuildCoverageMessage(r.Context(), id.tenantID))
}

// GetSuggestions renders the tenant's ranked rule suggestions.
func (h *HTTPHandler) GetSuggestions(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, ok := identity(w, r)
	if !ok {
		return
	}

	h.writeResult(w, h.rules.BuildSuggestionsMessage(r.Context(), id.tenantID))
}

// GetRuleStatistics returns usage statistics of ?rule_id=. A rule without
// history yields a null body.
func (h *HTTPHandler) GetRuleStatistics(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, ok := identity(w, r)
	if !ok {
		return
	}

	ruleID := r.URL.Query().Get("rule_id")
	if ruleID == "" {
		writeError(w, http.StatusBadRequest, errors.InvalidInput("rule_id", "rule_id is required"))
		return
	}

	stats, err := h.analytics.GetRuleStatistics(r.Context(), id.tenantID, ruleID)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ── helpers ─────────────────────────────────────────────────────────────────

type caller struct {
	userID   string
	tenantID string
}

// identity reads the caller from the gateway headers.
func identity(w http.ResponseWriter, r *http.Request) (caller, bool) {
	c := caller{
		userID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
		tenantID: strings.TrimSpace(r.Header.Get(HeaderTenantID)),
	}
	if c.userID == "" || c.tenantID == "" {
		writeError(w, http.StatusUnauthorized, errors.New(errors.ErrCodeUnauthorized, "X-User-ID and X-Tenant-ID headers are required"))
		return caller{}, false
	}
	return c, true
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, errors.ErrCodeInvalidInput, "Invalid request body"))
		return false
	}
	return true
}

// resultStatus maps a lifecycle result onto an HTTP status code.
func resultStatus(res service.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Error {
	case service.ErrMissingName, service.ErrMissingLevels, service.ErrMissingApprovers,
		service.ErrInvalidApprover, service.ErrDuplicateLevelOrder:
		return http.StatusUnprocessableEntity
	case service.ErrPendingRuleNotFound, service.ErrRuleNotFound:
		return http.StatusNotFound
	case service.ErrUnauthorized:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func (h *HTTPHandler) writeResult(w http.ResponseWriter, res service.Result) {
	writeJSON(w, resultStatus(res), res)
}

func (h *HTTPHandler) writeAppError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case errors.ErrCodeUnauthorized:
		status = http.StatusUnauthorized
	case errors.ErrCodeConflict:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Analytics request failed")
	}
	writeError(w, status, err)
}

type errorBody struct {
	Error   errors.ErrorCode `json:"error"`
	Message string           `json:"message"`
	Field   string           `json:"field,omitempty"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := errorBody{Error: errors.CodeOf(err), Message: err.Error()}
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		body.Message = appErr.Message
		body.Field = appErr.Field
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
