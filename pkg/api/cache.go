package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jdziat/taxsync/pkg/audit"
	"github.com/jdziat/taxsync/pkg/ratecache"
)

const defaultPreloadLimit = 50

type cacheStatsResponse struct {
	*ratecache.Stats
	Expiring []ratecache.ExpiringEntry `json:"expiring,omitempty"`
}

// CacheStats returns cache counters. With expiringWithin (a Go duration)
// it also lists entries that expire within that window.
func (h *Handler) CacheStats(c *gin.Context) {
	ctx := c.Request.Context()
	resp := cacheStatsResponse{Stats: h.cache.GetCacheStats(ctx)}
	if raw := c.Query("expiringWithin"); raw != "" {
		within, err := time.ParseDuration(raw)
		if err != nil || within <= 0 {
			badRequest(c, "expiringWithin must be a positive duration")
			return
		}
		resp.Expiring, err = h.cache.GetExpiringSoon(ctx, within)
		if err != nil {
			h.sendError(c, err)
			return
		}
	}
	sendJSON(c, http.StatusOK, resp)
}

type invalidateRequest struct {
	Pattern      string `json:"pattern"`
	State        string `json:"state"`
	Jurisdiction string `json:"jurisdiction"`
	RequestedBy  string `json:"requestedBy"`
}

type invalidateResponse struct {
	Removed int64  `json:"removed"`
	Scope   string `json:"scope"`
}

// InvalidateCache removes cached rates by pattern, or by state and
// optional jurisdiction. An empty body clears every rate.
func (h *Handler) InvalidateCache(c *gin.Context) {
	var req invalidateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	if req.Pattern != "" && req.State != "" {
		badRequest(c, "pattern and state are mutually exclusive")
		return
	}
	if req.Jurisdiction != "" && req.State == "" {
		badRequest(c, "jurisdiction requires state")
		return
	}

	ctx := c.Request.Context()
	var (
		removed int64
		err     error
		scope   string
	)
	if req.State != "" {
		removed, err = h.cache.InvalidateForJurisdiction(ctx, req.State, req.Jurisdiction)
		scope = req.State
		if req.Jurisdiction != "" {
			scope += "/" + req.Jurisdiction
		}
	} else {
		removed, err = h.cache.InvalidateCache(ctx, req.Pattern)
		scope = req.Pattern
		if scope == "" {
			scope = ratecache.KeyPrefix + "*"
		}
	}
	if err != nil {
		h.sendError(c, err)
		return
	}

	details, _ := json.Marshal(map[string]any{"pattern": req.Pattern, "requestedBy": req.RequestedBy, "removed": removed})
	_ = h.audit.LogEvent(ctx, &audit.Entry{
		Type:         audit.EventCacheInvalidated,
		State:        req.State,
		Jurisdiction: req.Jurisdiction,
		Message:      fmt.Sprintf("invalidated %d cached rates for %s", removed, scope),
		Details:      string(details),
	})
	sendJSON(c, http.StatusOK, invalidateResponse{Removed: removed, Scope: scope})
}

// WarmupCache populates the curated jurisdictions.
func (h *Handler) WarmupCache(c *gin.Context) {
	res, err := h.cache.WarmupCache(c.Request.Context())
	if err != nil {
		h.sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, res)
}

// PreloadFrequent refreshes the most looked up jurisdictions.
func (h *Handler) PreloadFrequent(c *gin.Context) {
	limit := defaultPreloadLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}
	res, err := h.cache.PreloadFrequentlyAccessedRates(c.Request.Context(), limit)
	if err != nil {
		h.sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, res)
}

type lookupResponse struct {
	*ratecache.LookupResult
	Category string  `json:"category,omitempty"`
	Rate     float64 `json:"rate"`
}

// LookupRate returns the rate for a jurisdiction and marks the response
// with X-Cache: HIT, MISS or BYPASS (store unavailable).
func (h *Handler) LookupRate(c *gin.Context) {
	j := ratecache.Jurisdiction{
		State:  c.Param("state"),
		County: c.Query("county"),
		City:   c.Query("city"),
		Zip:    c.Query("zip"),
	}
	res, err := h.cache.Lookup(c.Request.Context(), j)
	if err != nil {
		h.sendError(c, err)
		return
	}

	switch {
	case res.Degraded:
		c.Header("X-Cache", "BYPASS")
	case res.Hit:
		c.Header("X-Cache", "HIT")
	default:
		c.Header("X-Cache", "MISS")
	}
	category := c.Query("category")
	sendJSON(c, http.StatusOK, lookupResponse{
		LookupResult: res,
		Category:     category,
		Rate:         res.Record.RateFor(category),
	})
}
