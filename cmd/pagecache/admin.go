package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/always-cache/pagecache"
	cachetags "github.com/always-cache/pagecache/pkg/cache-tags"
	"github.com/always-cache/pagecache/pkg/invalidation"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// purgeRequest is the body of POST /.pagecache/purge.
type purgeRequest struct {
	// URLs, content IDs or flags.
	Targets  []string `json:"targets"`
	Sites    []int64  `json:"sites"`
	Networks []int64  `json:"networks"`
	// Site that content IDs and flags belong to, by host or ID.
	// URLs are always scoped by their own host.
	Host string `json:"host"`
	Site int64  `json:"site"`
	// "expire" (default) or "delete".
	Mode string `json:"mode"`
}

type purgeResponse struct {
	Flags []string `json:"flags"`
	Mode  string   `json:"mode"`
}

type flushResponse struct {
	Deleted int `json:"deleted"`
}

type sizeResponse struct {
	Flag  string `json:"flag"`
	Count int    `json:"count"`
	Bytes int64  `json:"bytes"`
}

// adminRouter returns the routes under /.pagecache.
// Requests must carry the token as a bearer token; an empty token locks
// every route.
func adminRouter(engine *pagecache.Engine, token string) http.Handler {
	r := chi.NewRouter()
	r.Use(requireToken(token))
	r.Post("/purge", purgeHandler(engine))
	r.Post("/flush", flushHandler(engine))
	r.Get("/size", sizeHandler(engine))
	return r
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}

func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			given, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || !ok || subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func purgeHandler(engine *pagecache.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req purgeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		mode := cachetags.ModeExpire
		switch req.Mode {
		case "", string(cachetags.ModeExpire):
		case string(cachetags.ModeDelete):
			mode = cachetags.ModeDelete
		default:
			http.Error(w, "Mode must be expire or delete", http.StatusBadRequest)
			return
		}
		targets := invalidation.ClassifyAll(req.Targets)
		for _, id := range req.Sites {
			targets = append(targets, invalidation.SiteTarget(id))
		}
		for _, id := range req.Networks {
			targets = append(targets, invalidation.NetworkTarget(id))
		}
		if len(targets) == 0 {
			http.Error(w, "No targets", http.StatusBadRequest)
			return
		}
		scope := pagecache.Scope{Host: req.Host, SiteID: req.Site}
		flags, err := engine.InvalidateIn(r.Context(), scope, targets, mode)
		if errors.Is(err, pagecache.ErrUnknownSite) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("Purge failed")
			http.Error(w, "Purge failed", http.StatusBadGateway)
			return
		}
		log.Info().Strs("flags", flags).Str("mode", string(mode)).Msg("Purged")
		writeJSON(w, purgeResponse{Flags: flags, Mode: string(mode)})
	}
}

func flushHandler(engine *pagecache.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deleted, err := engine.Index().Purge(r.Context())
		if err != nil {
			http.Error(w, "Flush failed", http.StatusBadGateway)
			return
		}
		writeJSON(w, flushResponse{Deleted: deleted})
	}
}

func sizeHandler(engine *pagecache.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flag := r.URL.Query().Get("flag")
		size, err := engine.Index().CacheSize(r.Context(), flag)
		if err != nil {
			http.Error(w, "Size unavailable", http.StatusBadGateway)
			return
		}
		writeJSON(w, sizeResponse{Flag: flag, Count: size.Count, Bytes: size.Bytes})
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Could not write response")
	}
}
