package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	autorouter "github.com/g1331/autorouter/internal"
	"github.com/g1331/autorouter/internal/auth"
	"github.com/g1331/autorouter/internal/quota"
	"github.com/g1331/autorouter/internal/storage"
	"github.com/g1331/autorouter/internal/upstream"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	switch {
	case errors.Is(err, autorouter.ErrNotFound):
		writeJSON(w, status, errorResponse("not found"))
	case errors.Is(err, autorouter.ErrConflict):
		writeJSON(w, status, errorResponse("conflict"))
	case errors.Is(err, autorouter.ErrBadRequest),
		errors.Is(err, autorouter.ErrForbidden),
		errors.Is(err, autorouter.ErrRevealDisabled):
		writeJSON(w, status, errorResponse(err.Error()))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, errorResponse("internal error"))
	}
}

// --- Pagination helpers ---

type pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func paginate(page, pageSize, total int) pagination {
	pages := 0
	if pageSize > 0 {
		pages = (total + pageSize - 1) / pageSize
	}
	return pagination{Page: page, PageSize: pageSize, Total: total, TotalPages: pages}
}

func parsePagination(r *http.Request) (page, pageSize int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ = strconv.Atoi(r.URL.Query().Get("pageSize"))
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 50
	}
	return
}

// parseSinceUntil validates optional since/until RFC3339 query params.
// Writes 400 and returns false on invalid format.
func parseSinceUntil(w http.ResponseWriter, r *http.Request) (since, until string, ok bool) {
	q := r.URL.Query()
	since, until = q.Get("since"), q.Get("until")
	// Validate RFC3339 upfront: SQLite datetime() silently returns NULL on
	// malformed strings, producing empty results instead of a clear error.
	if since != "" {
		if _, err := time.Parse(time.RFC3339, since); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid since format, use RFC3339"))
			return "", "", false
		}
	}
	if until != "" {
		if _, err := time.Parse(time.RFC3339, until); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid until format, use RFC3339"))
			return "", "", false
		}
	}
	return since, until, true
}

// parseExpiresAt parses an optional RFC3339 expires_at string pointer.
// Writes 400 and returns false on invalid format.
func parseExpiresAt(w http.ResponseWriter, raw *string) (*time.Time, bool) {
	if raw == nil {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid expires_at format"))
		return nil, false
	}
	return &t, true
}

// --- Upstreams ---

// upstreamView joins the persisted record with its live breaker and quota
// state for the admin list and detail endpoints.
type upstreamView struct {
	*autorouter.Upstream
	CircuitState autorouter.CircuitState `json:"circuit_state"`
	Quota        *quota.Status           `json:"quota,omitempty"`
}

func (s *server) upstreamView(u *autorouter.Upstream, statuses []quota.Status) upstreamView {
	v := upstreamView{Upstream: u, CircuitState: autorouter.CircuitClosed}
	if b := s.deps.Breakers.Get(u.ID); b != nil {
		v.CircuitState = b.State()
	}
	for i := range statuses {
		if statuses[i].UpstreamID == u.ID {
			v.Quota = &statuses[i]
			break
		}
	}
	return v
}

func (s *server) handleListUpstreams(w http.ResponseWriter, r *http.Request) {
	ups, err := s.deps.Upstreams.List(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	statuses := s.deps.Quotas.Statuses()
	views := make([]upstreamView, 0, len(ups))
	for _, u := range ups {
		views = append(views, s.upstreamView(u, statuses))
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       views,
		Pagination: paginate(1, max(len(views), 1), len(views)),
	})
}

func (s *server) handleCreateUpstream(w http.ResponseWriter, r *http.Request) {
	var in upstream.Input
	if !decodeJSON(w, r, &in) {
		return
	}
	u, err := s.deps.Upstreams.Create(r.Context(), in)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/admin/upstreams/"+u.ID)
	writeJSON(w, http.StatusCreated, u)
}

func (s *server) handleGetUpstream(w http.ResponseWriter, r *http.Request) {
	u, err := s.deps.Upstreams.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.upstreamView(u, s.deps.Quotas.Statuses()))
}

func (s *server) handleUpdateUpstream(w http.ResponseWriter, r *http.Request) {
	var in upstream.Input
	if !decodeJSON(w, r, &in) {
		return
	}
	u, err := s.deps.Upstreams.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *server) handleDeleteUpstream(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Upstreams.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleQuotaOverview returns the live spend counters for every upstream.
func (s *server) handleQuotaOverview(w http.ResponseWriter, r *http.Request) {
	statuses := s.deps.Quotas.Statuses()
	if statuses == nil {
		statuses = []quota.Status{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": statuses})
}

func (s *server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Upstreams.Get(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	for _, st := range s.deps.Quotas.Statuses() {
		if st.UpstreamID == id {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"upstream_id": id, "limit": nil})
}

// handleQuotaResync rebuilds all in-memory spend counters from billing
// snapshots, discarding drift from restarts or manual data edits.
func (s *server) handleQuotaResync(w http.ResponseWriter, r *http.Request) {
	ups, err := s.deps.Upstreams.List(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if err := s.deps.Quotas.Rebuild(r.Context(), s.deps.Store, ups); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.deps.Quotas.Statuses()})
}

// --- Circuit breakers ---

func (s *server) handleListBreakers(w http.ResponseWriter, r *http.Request) {
	filter := autorouter.CircuitState(r.URL.Query().Get("state"))
	states := s.deps.Breakers.States(filter)
	page, pageSize := parsePagination(r)
	total := len(states)
	offset := min((page-1)*pageSize, total)
	end := min(offset+pageSize, total)
	writeJSON(w, http.StatusOK, listResponse{
		Data:       states[offset:end],
		Pagination: paginate(page, pageSize, total),
	})
}

func (s *server) handleGetBreaker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b := s.deps.Breakers.Get(id)
	if b == nil {
		// No traffic yet; fall back to the persisted row.
		state, err := s.deps.Store.GetBreakerState(r.Context(), id)
		if err != nil {
			writeAdminError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
		return
	}
	snap := b.Snapshot()
	writeJSON(w, http.StatusOK, &snap)
}

func (s *server) breakerFor(w http.ResponseWriter, r *http.Request) (*autorouter.Upstream, bool) {
	u, err := s.deps.Upstreams.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return nil, false
	}
	return u, true
}

func (s *server) handleForceOpen(w http.ResponseWriter, r *http.Request) {
	u, ok := s.breakerFor(w, r)
	if !ok {
		return
	}
	b := s.deps.Breakers.GetOrCreate(u.ID, u.Breaker)
	b.ForceOpen()
	snap := b.Snapshot()
	writeJSON(w, http.StatusOK, &snap)
}

func (s *server) handleForceClose(w http.ResponseWriter, r *http.Request) {
	u, ok := s.breakerFor(w, r)
	if !ok {
		return
	}
	b := s.deps.Breakers.GetOrCreate(u.ID, u.Breaker)
	b.ForceClose()
	snap := b.Snapshot()
	writeJSON(w, http.StatusOK, &snap)
}

// --- Keys ---

// keyCreateRequest is the payload for creating a new API key.
type keyCreateRequest struct {
	Name        string   `json:"name"`
	UpstreamIDs []string `json:"upstream_ids,omitempty"`
	ExpiresAt   *string  `json:"expires_at,omitempty"` // RFC3339
}

// keyCreateResponse includes the plaintext key, shown only once unless
// reveal is enabled for the deployment.
type keyCreateResponse struct {
	*autorouter.APIKey
	PlaintextKey string `json:"key"`
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	page, pageSize := parsePagination(r)
	keys, err := s.deps.Store.ListKeys(r.Context(), (page-1)*pageSize, pageSize)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	total, _ := s.deps.Store.CountKeys(r.Context())
	if keys == nil {
		keys = []*autorouter.APIKey{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       keys,
		Pagination: paginate(page, pageSize, total),
	})
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}
	expiresAt, ok := parseExpiresAt(w, req.ExpiresAt)
	if !ok {
		return
	}
	key, plaintext, err := s.deps.Keys.CreateKey(r.Context(), auth.CreateParams{
		Name:        req.Name,
		ExpiresAt:   expiresAt,
		UpstreamIDs: req.UpstreamIDs,
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/admin/keys/"+key.ID)
	writeJSON(w, http.StatusCreated, keyCreateResponse{
		APIKey:       key,
		PlaintextKey: plaintext,
	})
}

func (s *server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.deps.Store.GetKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	existing, err := s.deps.Store.GetKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	var update struct {
		Name        *string  `json:"name,omitempty"`
		IsActive    *bool    `json:"is_active,omitempty"`
		UpstreamIDs []string `json:"upstream_ids,omitempty"`
		ExpiresAt   *string  `json:"expires_at,omitempty"`
	}
	if !decodeJSON(w, r, &update) {
		return
	}

	if update.Name != nil {
		existing.Name = *update.Name
	}
	if update.IsActive != nil {
		existing.IsActive = *update.IsActive
	}
	if update.UpstreamIDs != nil {
		existing.UpstreamIDs = update.UpstreamIDs
	}
	if update.ExpiresAt != nil {
		expiresAt, ok := parseExpiresAt(w, update.ExpiresAt)
		if !ok {
			return
		}
		existing.ExpiresAt = expiresAt
	}

	if err := s.deps.Keys.UpdateKey(r.Context(), existing); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Keys.DeleteKey(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRevealKey(w http.ResponseWriter, r *http.Request) {
	plaintext, err := s.deps.Keys.RevealKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": plaintext})
}

// --- Compensation rules ---

func (s *server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Store.ListCompensationRules(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if rules == nil {
		rules = []*autorouter.CompensationRule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rules})
}

func validateRule(rule *autorouter.CompensationRule) error {
	if rule.Name == "" {
		return fmt.Errorf("%w: name is required", autorouter.ErrBadRequest)
	}
	if rule.TargetHeader == "" {
		return fmt.Errorf("%w: target_header is required", autorouter.ErrBadRequest)
	}
	if len(rule.Sources) == 0 {
		return fmt.Errorf("%w: at least one source is required", autorouter.ErrBadRequest)
	}
	for _, src := range rule.Sources {
		if !strings.HasPrefix(src, "headers.") && !strings.HasPrefix(src, "body.") {
			return fmt.Errorf("%w: sources must start with headers. or body.", autorouter.ErrBadRequest)
		}
	}
	for _, c := range rule.Capabilities {
		if !c.Valid() {
			return fmt.Errorf("%w: unknown capability %q", autorouter.ErrBadRequest, c)
		}
	}
	if rule.Mode == "" {
		rule.Mode = autorouter.ModeMissingOnly
	}
	if rule.Mode != autorouter.ModeMissingOnly {
		return fmt.Errorf("%w: unknown compensation mode %q", autorouter.ErrBadRequest, rule.Mode)
	}
	return nil
}

func (s *server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule autorouter.CompensationRule
	if !decodeJSON(w, r, &rule) {
		return
	}
	rule.IsBuiltin = false // only migrations seed builtins
	if err := validateRule(&rule); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if rule.ID == "" {
		rule.ID = uuid.Must(uuid.NewV7()).String()
	}
	rule.CreatedAt = time.Now().UTC()
	if err := s.deps.Store.CreateCompensationRule(r.Context(), &rule); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Comp.Invalidate()
	w.Header().Set("Location", "/api/admin/compensation-rules/"+rule.ID)
	writeJSON(w, http.StatusCreated, rule)
}

func (s *server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.deps.Store.GetCompensationRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	existing, err := s.deps.Store.GetCompensationRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	var update autorouter.CompensationRule
	if !decodeJSON(w, r, &update) {
		return
	}

	if existing.IsBuiltin {
		// Built-in rules accept only the enabled toggle.
		changed := (update.Name != "" && update.Name != existing.Name) ||
			(update.TargetHeader != "" && update.TargetHeader != existing.TargetHeader) ||
			len(update.Sources) > 0 || len(update.Capabilities) > 0
		if changed {
			writeJSON(w, http.StatusForbidden,
				errorResponse("built-in rules accept only the enabled flag"))
			return
		}
		existing.Enabled = update.Enabled
	} else {
		update.ID = existing.ID
		update.IsBuiltin = false
		update.CreatedAt = existing.CreatedAt
		if err := validateRule(&update); err != nil {
			writeAdminError(w, r, err)
			return
		}
		existing = &update
	}

	if err := s.deps.Store.UpdateCompensationRule(r.Context(), existing); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Comp.Invalidate()
	writeJSON(w, http.StatusOK, existing)
}

func (s *server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	existing, err := s.deps.Store.GetCompensationRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if existing.IsBuiltin {
		writeJSON(w, http.StatusForbidden, errorResponse("built-in rules cannot be deleted"))
		return
	}
	if err := s.deps.Store.DeleteCompensationRule(r.Context(), existing.ID); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Comp.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

// --- Prices ---

func (s *server) handleListPrices(w http.ResponseWriter, r *http.Request) {
	page, pageSize := parsePagination(r)
	prices, err := s.deps.Store.ListModelPrices(r.Context(), (page-1)*pageSize, pageSize)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if prices == nil {
		prices = []autorouter.ModelPrice{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       prices,
		Pagination: paginate(page, pageSize, len(prices)),
	})
}

func (s *server) handleUpsertPrice(w http.ResponseWriter, r *http.Request) {
	var p autorouter.ModelPrice
	if !decodeJSON(w, r, &p) {
		return
	}
	if p.Model == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("model is required"))
		return
	}
	if p.Source == "" {
		p.Source = autorouter.SourceManual
	}
	p.IsActive = true
	p.SyncedAt = time.Now().UTC()
	if err := s.deps.Store.UpsertModelPrice(r.Context(), &p); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	overrides, err := s.deps.Store.ListPriceOverrides(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if overrides == nil {
		overrides = []autorouter.PriceOverride{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": overrides})
}

func (s *server) handleUpsertOverride(w http.ResponseWriter, r *http.Request) {
	var o autorouter.PriceOverride
	if !decodeJSON(w, r, &o) {
		return
	}
	o.Model = chi.URLParam(r, "model")
	o.UpdatedAt = time.Now().UTC()
	if err := s.deps.Store.UpsertPriceOverride(r.Context(), &o); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *server) handleDeleteOverride(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeletePriceOverride(r.Context(), chi.URLParam(r, "model")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Request logs ---

func (s *server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	since, until, ok := parseSinceUntil(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, pageSize := parsePagination(r)
	filter := storage.RequestLogFilter{
		APIKeyID:    q.Get("api_key_id"),
		UpstreamID:  q.Get("upstream_id"),
		RoutingType: q.Get("routing_type"),
		Since:       since,
		Until:       until,
		Offset:      (page - 1) * pageSize,
		Limit:       pageSize,
	}
	logs, err := s.deps.Store.ListRequestLogs(r.Context(), filter)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	total, _ := s.deps.Store.CountRequestLogs(r.Context(), filter)
	if logs == nil {
		logs = []autorouter.RequestLog{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       logs,
		Pagination: paginate(page, pageSize, total),
	})
}

func (s *server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deps.Store.GetRequestLog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// --- Stats ---

// statsRange resolves the range query param to (since, hourly buckets).
func statsRange(r *http.Request) (time.Time, bool) {
	now := time.Now().UTC()
	switch r.URL.Query().Get("range") {
	case "7d":
		return now.AddDate(0, 0, -7), false
	case "30d":
		return now.AddDate(0, 0, -30), false
	default: // today
		return now.Truncate(24 * time.Hour), true
	}
}

func (s *server) handleStatsOverview(w http.ResponseWriter, r *http.Request) {
	since, _ := statsRange(r)
	overview, err := s.deps.Store.StatsOverview(r.Context(), since)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *server) handleStatsTimeseries(w http.ResponseWriter, r *http.Request) {
	since, byHour := statsRange(r)
	points, err := s.deps.Store.StatsTimeseries(r.Context(), since, byHour)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if points == nil {
		points = []storage.TimeseriesPoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": points})
}

func (s *server) handleStatsLeaderboard(w http.ResponseWriter, r *http.Request) {
	since, _ := statsRange(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	rows, err := s.deps.Store.StatsLeaderboard(r.Context(), since, limit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if rows == nil {
		rows = []storage.LeaderboardRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rows})
}
