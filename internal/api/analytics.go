package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/openrelay/openrelay/internal/store"
)

// parseTimeParam accepts RFC3339 or a bare date.
func parseTimeParam(v string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// timeRange reads from/to query params, defaulting to the last 30 days.
func timeRange(r *http.Request) (from, to time.Time, errMsg string) {
	now := time.Now().UTC()
	from = now.AddDate(0, 0, -30)
	to = now

	if v := r.URL.Query().Get("from"); v != "" {
		t, ok := parseTimeParam(v)
		if !ok {
			return from, to, "from must be RFC3339 or YYYY-MM-DD"
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, ok := parseTimeParam(v)
		if !ok {
			return from, to, "to must be RFC3339 or YYYY-MM-DD"
		}
		to = t
	}
	if !from.Before(to) {
		return from, to, "from must be before to"
	}
	return from, to, ""
}

// handleAnalyticsUsage returns windowed aggregates over the usage ledger.
func (s *Server) handleAnalyticsUsage(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	from, to, msg := timeRange(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", msg)
		return
	}

	groupBy := store.UsageGroupBy(r.URL.Query().Get("group_by"))
	switch groupBy {
	case "":
		groupBy = store.GroupByDay
	case store.GroupByDay, store.GroupByModel, store.GroupByProvider:
	default:
		writeError(w, http.StatusBadRequest, "invalid_request_error", "group_by must be day, model, or provider")
		return
	}

	rows, err := s.Store.AggregateUsage(r.Context(), tenant.ID, from, to, groupBy)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from":     from,
		"to":       to,
		"group_by": groupBy,
		"buckets":  rows,
	})
}

// handleAnalyticsBreakdown is the usage rollup by model or provider.
func (s *Server) handleAnalyticsBreakdown(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	from, to, msg := timeRange(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", msg)
		return
	}

	by := store.UsageGroupBy(r.URL.Query().Get("by"))
	switch by {
	case "":
		by = store.GroupByModel
	case store.GroupByModel, store.GroupByProvider:
	default:
		writeError(w, http.StatusBadRequest, "invalid_request_error", "by must be model or provider")
		return
	}

	rows, err := s.Store.AggregateUsage(r.Context(), tenant.ID, from, to, by)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"by": by, "buckets": rows})
}

// handleAnalyticsRecommendations surfaces repeated identical prompts the
// tenant paid for more than once.
func (s *Server) handleAnalyticsRecommendations(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())

	k := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "limit must be between 1 and 100")
			return
		}
		k = n
	}

	since := time.Now().UTC().AddDate(0, 0, -7)
	dups, err := s.Store.TopDuplicateFingerprints(r.Context(), tenant.ID, since, k)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var wasted float64
	for _, d := range dups {
		wasted += d.WastedCost
	}
	resp := map[string]any{
		"since":             since,
		"duplicates":        dups,
		"total_wasted_cost": wasted,
	}
	if wasted > 0 {
		resp["recommendation"] = "identical prompts were re-sent to providers; enabling longer cache TTLs would avoid this spend"
	}
	writeJSON(w, http.StatusOK, resp)
}
