package server

import (
	"net/http"
	"testing"

	autorouter "github.com/g1331/autorouter/internal"
)

func TestUpstreamCRUD(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	var created autorouter.Upstream
	rec := env.admin(t, http.MethodPost, "/api/admin/upstreams", map[string]any{
		"name":       "openai-main",
		"base_url":   "https://api.openai.com",
		"credential": "sk-live",
		"priority":   1,
	}, &created)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d: %s", rec.Code, rec.Body.String())
	}
	if created.ID == "" || created.Name != "openai-main" {
		t.Fatalf("created = %+v", created)
	}
	if loc := rec.Header().Get("Location"); loc != "/api/admin/upstreams/"+created.ID {
		t.Errorf("Location = %q", loc)
	}

	var view struct {
		autorouter.Upstream
		CircuitState autorouter.CircuitState `json:"circuit_state"`
	}
	rec = env.admin(t, http.MethodGet, "/api/admin/upstreams/"+created.ID, nil, &view)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
	if view.CircuitState != autorouter.CircuitClosed {
		t.Errorf("circuit_state = %q, want closed", view.CircuitState)
	}

	var updated autorouter.Upstream
	rec = env.admin(t, http.MethodPut, "/api/admin/upstreams/"+created.ID, map[string]any{
		"name":     "openai-main",
		"base_url": "https://api.openai.com",
		"priority": 5,
	}, &updated)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status = %d: %s", rec.Code, rec.Body.String())
	}
	if updated.Priority != 5 {
		t.Errorf("priority = %d, want 5", updated.Priority)
	}

	rec = env.admin(t, http.MethodDelete, "/api/admin/upstreams/"+created.ID, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	rec = env.admin(t, http.MethodGet, "/api/admin/upstreams/"+created.ID, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", rec.Code)
	}
}

func TestCreateUpstreamRequiresCredential(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.admin(t, http.MethodPost, "/api/admin/upstreams", map[string]any{
		"name":     "no-cred",
		"base_url": "https://api.example.com",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetQuotaWithoutLimit(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	u := env.createUpstream(t, "no-quota")

	var body map[string]any
	rec := env.admin(t, http.MethodGet, "/api/admin/upstreams/"+u.ID+"/quota", nil, &body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["limit"] != nil {
		t.Errorf("limit = %v, want null", body["limit"])
	}

	rec = env.admin(t, http.MethodGet, "/api/admin/upstreams/nope/quota", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown upstream: status = %d, want 404", rec.Code)
	}
}

func TestGetQuotaWithLimit(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	var created autorouter.Upstream
	rec := env.admin(t, http.MethodPost, "/api/admin/upstreams", map[string]any{
		"name":                 "limited",
		"base_url":             "https://api.example.com",
		"credential":           "sk-x",
		"spending_limit":       25.0,
		"spending_period_type": "daily",
	}, &created)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d: %s", rec.Code, rec.Body.String())
	}

	var status struct {
		UpstreamID string  `json:"upstream_id"`
		Limit      float64 `json:"limit"`
	}
	rec = env.admin(t, http.MethodGet, "/api/admin/upstreams/"+created.ID+"/quota", nil, &status)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if status.Limit != 25.0 {
		t.Errorf("limit = %v, want 25.0", status.Limit)
	}
}

func TestBreakerForceOpenClose(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	u := env.createUpstream(t, "flappy")

	var snap autorouter.BreakerState
	rec := env.admin(t, http.MethodPost, "/api/admin/circuit-breakers/"+u.ID+"/force-open", nil, &snap)
	if rec.Code != http.StatusOK {
		t.Fatalf("force-open: status = %d: %s", rec.Code, rec.Body.String())
	}
	if snap.State != autorouter.CircuitOpen {
		t.Errorf("state = %q, want open", snap.State)
	}

	var list struct {
		Data []autorouter.BreakerState `json:"data"`
	}
	rec = env.admin(t, http.MethodGet, "/api/admin/circuit-breakers?state=open", nil, &list)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	if len(list.Data) != 1 || list.Data[0].UpstreamID != u.ID {
		t.Errorf("open breakers = %+v, want one for %s", list.Data, u.ID)
	}

	rec = env.admin(t, http.MethodPost, "/api/admin/circuit-breakers/"+u.ID+"/force-close", nil, &snap)
	if rec.Code != http.StatusOK {
		t.Fatalf("force-close: status = %d", rec.Code)
	}
	if snap.State != autorouter.CircuitClosed {
		t.Errorf("state = %q, want closed", snap.State)
	}
}

func TestBreakerListPagination(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	for _, name := range []string{"cb-a", "cb-b", "cb-c"} {
		u := env.createUpstream(t, name)
		rec := env.admin(t, http.MethodPost, "/api/admin/circuit-breakers/"+u.ID+"/force-open", nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("force-open %s: status = %d", name, rec.Code)
		}
	}

	var list struct {
		Data       []autorouter.BreakerState `json:"data"`
		Pagination pagination                `json:"pagination"`
	}
	rec := env.admin(t, http.MethodGet, "/api/admin/circuit-breakers?page=2&pageSize=2", nil, &list)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	if len(list.Data) != 1 {
		t.Errorf("page 2 of 3 items with size 2 returned %d rows, want 1", len(list.Data))
	}
	want := pagination{Page: 2, PageSize: 2, Total: 3, TotalPages: 2}
	if list.Pagination != want {
		t.Errorf("pagination = %+v, want %+v", list.Pagination, want)
	}
}

func TestQuotaOverview(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	var created autorouter.Upstream
	rec := env.admin(t, http.MethodPost, "/api/admin/upstreams", map[string]any{
		"name":                 "capped",
		"base_url":             "https://api.example.com",
		"credential":           "sk-x",
		"spending_limit":       10.0,
		"spending_period_type": "daily",
	}, &created)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Data []struct {
			UpstreamID string  `json:"upstream_id"`
			Limit      float64 `json:"limit"`
		} `json:"data"`
	}
	rec = env.admin(t, http.MethodGet, "/api/admin/upstreams/quota", nil, &body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, the aggregate view must not fall into the by-id route", rec.Code)
	}
	found := false
	for _, st := range body.Data {
		if st.UpstreamID == created.ID && st.Limit == 10.0 {
			found = true
		}
	}
	if !found {
		t.Errorf("quota overview %+v missing the capped upstream", body.Data)
	}
}

func TestKeyLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	u := env.createUpstream(t, "bound")

	var created struct {
		autorouter.APIKey
		Key string `json:"key"`
	}
	rec := env.admin(t, http.MethodPost, "/api/admin/keys", map[string]any{
		"name":         "team-a",
		"upstream_ids": []string{u.ID},
	}, &created)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d: %s", rec.Code, rec.Body.String())
	}
	if created.Key == "" {
		t.Fatal("plaintext key missing from create response")
	}
	if len(created.UpstreamIDs) != 1 || created.UpstreamIDs[0] != u.ID {
		t.Errorf("upstream_ids = %v", created.UpstreamIDs)
	}

	var fetched autorouter.APIKey
	rec = env.admin(t, http.MethodGet, "/api/admin/keys/"+created.ID, nil, &fetched)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
	if fetched.KeyHash != "" {
		t.Error("key hash leaked in admin response")
	}

	rec = env.admin(t, http.MethodPut, "/api/admin/keys/"+created.ID, map[string]any{
		"is_active": false,
	}, &fetched)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status = %d: %s", rec.Code, rec.Body.String())
	}
	if fetched.IsActive {
		t.Error("is_active = true after deactivation")
	}

	rec = env.admin(t, http.MethodDelete, "/api/admin/keys/"+created.ID, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rec.Code)
	}
}

func TestCreateKeyRequiresName(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.admin(t, http.MethodPost, "/api/admin/keys", map[string]any{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRevealKeyDisabled(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	var created struct {
		autorouter.APIKey
		Key string `json:"key"`
	}
	env.admin(t, http.MethodPost, "/api/admin/keys", map[string]any{"name": "sealed"}, &created)

	rec := env.admin(t, http.MethodPost, "/api/admin/keys/"+created.ID+"/reveal", nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 when reveal is disabled", rec.Code)
	}
}

func TestRevealKeyEnabled(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, withKeyReveal())

	var created struct {
		autorouter.APIKey
		Key string `json:"key"`
	}
	env.admin(t, http.MethodPost, "/api/admin/keys", map[string]any{"name": "open"}, &created)

	var revealed map[string]string
	rec := env.admin(t, http.MethodPost, "/api/admin/keys/"+created.ID+"/reveal", nil, &revealed)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if revealed["key"] != created.Key {
		t.Errorf("revealed key does not match the one issued at creation")
	}
}

func TestBuiltinRuleProtections(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	// Migrations seed builtin rules; pick one.
	var list struct {
		Data []*autorouter.CompensationRule `json:"data"`
	}
	rec := env.admin(t, http.MethodGet, "/api/admin/compensation-rules", nil, &list)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	var builtin *autorouter.CompensationRule
	for _, rule := range list.Data {
		if rule.IsBuiltin {
			builtin = rule
			break
		}
	}
	if builtin == nil {
		t.Fatal("no builtin rule seeded")
	}

	// Structural changes are rejected.
	rec = env.admin(t, http.MethodPut, "/api/admin/compensation-rules/"+builtin.ID, map[string]any{
		"target_header": "X-Other",
	}, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("structural update: status = %d, want 403", rec.Code)
	}

	// The enabled toggle is allowed.
	var toggled autorouter.CompensationRule
	rec = env.admin(t, http.MethodPut, "/api/admin/compensation-rules/"+builtin.ID, map[string]any{
		"enabled": false,
	}, &toggled)
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle: status = %d: %s", rec.Code, rec.Body.String())
	}
	if toggled.Enabled {
		t.Error("enabled = true after disabling")
	}

	rec = env.admin(t, http.MethodDelete, "/api/admin/compensation-rules/"+builtin.ID, nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("delete builtin: status = %d, want 403", rec.Code)
	}
}

func TestCustomRuleCRUD(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	var created autorouter.CompensationRule
	rec := env.admin(t, http.MethodPost, "/api/admin/compensation-rules", map[string]any{
		"name":          "tenant-id",
		"target_header": "X-Tenant-Id",
		"sources":       []string{"headers.X-Tenant-Id", "body.metadata.tenant"},
		"enabled":       true,
	}, &created)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d: %s", rec.Code, rec.Body.String())
	}
	if created.IsBuiltin {
		t.Error("admin-created rule marked builtin")
	}
	if created.Mode != autorouter.ModeMissingOnly {
		t.Errorf("mode = %q, want default missing_only", created.Mode)
	}

	rec = env.admin(t, http.MethodDelete, "/api/admin/compensation-rules/"+created.ID, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete: status = %d", rec.Code)
	}
}

func TestCreateRuleValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{
			"target_header": "X-H", "sources": []string{"headers.X-H"},
		}},
		{"missing target", map[string]any{
			"name": "r", "sources": []string{"headers.X-H"},
		}},
		{"no sources", map[string]any{
			"name": "r", "target_header": "X-H",
		}},
		{"bad source prefix", map[string]any{
			"name": "r", "target_header": "X-H", "sources": []string{"query.x"},
		}},
		{"bad capability", map[string]any{
			"name": "r", "target_header": "X-H",
			"sources": []string{"headers.X-H"}, "capabilities": []string{"ftp"},
		}},
	}
	for _, tc := range cases {
		rec := env.admin(t, http.MethodPost, "/api/admin/compensation-rules", tc.body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, rec.Code)
		}
	}
}

func TestDuplicateNamesConflict(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	body := map[string]any{
		"name": "dup", "base_url": "https://api.example.com", "credential": "sk-a",
	}
	if rec := env.admin(t, http.MethodPost, "/api/admin/upstreams", body, nil); rec.Code != http.StatusCreated {
		t.Fatalf("first create: status = %d", rec.Code)
	}
	if rec := env.admin(t, http.MethodPost, "/api/admin/upstreams", body, nil); rec.Code != http.StatusConflict {
		t.Errorf("duplicate upstream name: status = %d, want 409", rec.Code)
	}

	rule := map[string]any{
		"name": "dup-rule", "target_header": "X-T", "sources": []string{"headers.X-T"},
	}
	if rec := env.admin(t, http.MethodPost, "/api/admin/compensation-rules", rule, nil); rec.Code != http.StatusCreated {
		t.Fatalf("first rule create: status = %d", rec.Code)
	}
	if rec := env.admin(t, http.MethodPost, "/api/admin/compensation-rules", rule, nil); rec.Code != http.StatusConflict {
		t.Errorf("duplicate rule name: status = %d, want 409", rec.Code)
	}
}

func TestPriceUpsertAndOverride(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	var price autorouter.ModelPrice
	rec := env.admin(t, http.MethodPut, "/api/admin/prices", map[string]any{
		"model":                   "gpt-4o",
		"input_price_per_million": 2.5,
		"output_price_per_million": 10.0,
	}, &price)
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert: status = %d: %s", rec.Code, rec.Body.String())
	}
	if price.Source != autorouter.SourceManual {
		t.Errorf("source = %q, want manual default", price.Source)
	}
	if !price.IsActive {
		t.Error("is_active = false after upsert")
	}

	rec = env.admin(t, http.MethodPut, "/api/admin/prices", map[string]any{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("upsert without model: status = %d, want 400", rec.Code)
	}

	var override autorouter.PriceOverride
	rec = env.admin(t, http.MethodPut, "/api/admin/prices/overrides/gpt-4o", map[string]any{
		"input_price_per_million":  1.0,
		"output_price_per_million": 4.0,
	}, &override)
	if rec.Code != http.StatusOK {
		t.Fatalf("override upsert: status = %d: %s", rec.Code, rec.Body.String())
	}
	if override.Model != "gpt-4o" {
		t.Errorf("override model = %q, want from URL", override.Model)
	}

	var overrides struct {
		Data []autorouter.PriceOverride `json:"data"`
	}
	rec = env.admin(t, http.MethodGet, "/api/admin/prices/overrides", nil, &overrides)
	if rec.Code != http.StatusOK || len(overrides.Data) != 1 {
		t.Fatalf("list overrides: status = %d, count = %d", rec.Code, len(overrides.Data))
	}

	rec = env.admin(t, http.MethodDelete, "/api/admin/prices/overrides/gpt-4o", nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete override: status = %d", rec.Code)
	}
}

func TestListLogsValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.admin(t, http.MethodGet, "/api/admin/logs?since=yesterday", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad since: status = %d, want 400", rec.Code)
	}

	var list struct {
		Data       []autorouter.RequestLog `json:"data"`
		Pagination pagination              `json:"pagination"`
	}
	rec = env.admin(t, http.MethodGet, "/api/admin/logs?pageSize=7", nil, &list)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	if list.Data == nil {
		t.Error("data = null, want empty array")
	}
	if list.Pagination.Page != 1 || list.Pagination.PageSize != 7 {
		t.Errorf("pagination = %+v, want page 1 size 7", list.Pagination)
	}
}

func TestStatsEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	for _, path := range []string{
		"/api/admin/stats/overview",
		"/api/admin/stats/timeseries?range=7d",
		"/api/admin/stats/leaderboard?range=30d",
	} {
		rec := env.admin(t, http.MethodGet, path, nil, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d: %s", path, rec.Code, rec.Body.String())
		}
	}
}
