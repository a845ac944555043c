package assetcache

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxPageBody caps the document accepted by the page endpoint.
const maxPageBody = 32 << 20

// Handler returns the HTTP surface of the plugin:
//
//	GET  /assets/{kind}?src=<key>   derived artifact or source bytes
//	POST /page?uri=<request uri>    page pipeline over the request body
//	GET  /stats                     cache statistics
//	POST /clear                     remove every artifact
//	POST /prune?days=<n>            remove artifacts older than n days
//	GET  /metrics                   prometheus metrics
func (p *Plugin) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/assets/{kind}", p.handleAsset).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/page", p.handlePage).Methods(http.MethodPost)
	r.HandleFunc("/stats", p.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/clear", p.handleClear).Methods(http.MethodPost)
	r.HandleFunc("/prune", p.handlePrune).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// handleAsset serves the derived artifact for a source. Excluded sources and
// declined transforms are served with their original bytes.
func (p *Plugin) handleAsset(w http.ResponseWriter, r *http.Request) {
	kind := Kind(mux.Vars(r)["kind"])
	if err := kind.Validate(); err != nil || (kind != KindCSS && kind != KindJS && kind != KindWebP && kind != KindHTMLInline) {
		p.writeErrorResponse(w, http.StatusNotFound, "unknown_kind", "no local transform for kind "+string(kind), "")
		return
	}

	key := r.URL.Query().Get("src")
	if key == "" {
		p.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "src is required", "")
		return
	}

	start := time.Now()

	if p.bypassed(key, kind) {
		src, err := p.source.Fetch(r.Context(), key)
		if err != nil {
			p.writeErrorResponse(w, http.StatusNotFound, "source_unavailable", err.Error(), key)
			return
		}
		p.writeAsset(w, r, src.Content, http.DetectContentType(src.Content), "BYPASS")
		return
	}

	data, err := p.cache.Derive(r.Context(), key, kind)
	if data == nil {
		status, errType := http.StatusBadRequest, "invalid_request"
		if errors.Is(err, ErrSourceUnavailable) {
			status, errType = http.StatusNotFound, "source_unavailable"
		}
		p.writeErrorResponse(w, status, errType, err.Error(), key)
		return
	}

	contentType := kind.ContentType()
	status := "HIT"

	switch {
	case errors.Is(err, ErrUnsupportedFormat):
		if !kind.Text() {
			contentType = http.DetectContentType(data)
		}
		status = "BYPASS"
	case errors.Is(err, ErrPersistFailed):
		status = "UNCACHED"
	}

	if err != nil {
		p.log.Debug("serving without a stored artifact",
			zap.String("kind", string(kind)),
			zap.String("src", key),
			zap.Error(err),
		)
	}

	if status == "HIT" && strings.Contains(r.Header.Get("Accept-Encoding"), "br") {
		if compressed, ok := p.cache.Precompressed(key, kind); ok {
			w.Header().Set("Content-Encoding", "br")
			w.Header().Set("Vary", "Accept-Encoding")
			data = compressed
		}
	}

	p.writeAsset(w, r, data, contentType, status)

	p.log.Debug("asset served",
		zap.String("kind", string(kind)),
		zap.String("src", key),
		zap.String("status", status),
		zap.Duration("duration", time.Since(start)),
	)
}

// bypassed reports whether configuration keeps key from being transformed.
func (p *Plugin) bypassed(key string, kind Kind) bool {
	switch kind {
	case KindCSS:
		return !p.cfg.Minify.CSS || Excluded(key, p.cfg.Minify.ExcludeCSS)
	case KindJS:
		return !p.cfg.Minify.JS || Excluded(key, p.cfg.Minify.ExcludeJS)
	case KindHTMLInline:
		return !p.cfg.Minify.HTML
	case KindWebP:
		return !p.cfg.Images.WebP
	default:
		return false
	}
}

func (p *Plugin) writeAsset(w http.ResponseWriter, r *http.Request, data []byte, contentType, status string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Cache-Status", status)
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}

	if _, err := w.Write(data); err != nil {
		p.log.Debug("client went away while writing asset", zap.Error(err))
	}
}

// handlePage runs the page pipeline over the request body.
func (p *Plugin) handlePage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPageBody))
	if err != nil {
		p.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error(), "")
		return
	}

	req := PageRequest{
		URI:    r.URL.Query().Get("uri"),
		Accept: r.Header.Get("Accept"),
	}

	out := p.ProcessPage(r.Context(), req, body)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

type statsResponse struct {
	Stats
	TotalSize string `json:"total_size"`
}

func (p *Plugin) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats, err := p.janitor.Stats()
	if err != nil {
		p.log.Error("failed to compute cache stats", zap.Error(err))
		p.writeErrorResponse(w, http.StatusInternalServerError, "stats_failed", err.Error(), "")
		return
	}

	p.writeJSON(w, http.StatusOK, statsResponse{
		Stats:     stats,
		TotalSize: FormatBytes(stats.TotalBytes),
	})
}

func (p *Plugin) handleClear(w http.ResponseWriter, _ *http.Request) {
	if err := p.janitor.ClearAll(); err != nil {
		p.log.Error("failed to clear cache", zap.Error(err))
		p.writeErrorResponse(w, http.StatusInternalServerError, "clear_failed", err.Error(), "")
		return
	}

	p.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (p *Plugin) handlePrune(w http.ResponseWriter, r *http.Request) {
	days := p.cfg.Cache.LifespanDays

	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			p.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "days must be a positive integer", "")
			return
		}
		days = n
	}

	deleted, err := p.janitor.PruneOlderThan(days)
	if err != nil {
		p.log.Error("failed to prune cache", zap.Int("days", days), zap.Error(err))
		p.writeErrorResponse(w, http.StatusInternalServerError, "prune_failed", err.Error(), "")
		return
	}

	p.writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted, "days": days})
}

func (p *Plugin) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		p.log.Debug("failed to encode response", zap.Error(err))
	}
}

// writeErrorResponse writes an error response to the client.
func (p *Plugin) writeErrorResponse(w http.ResponseWriter, statusCode int, errorType, message, src string) {
	errorResp := map[string]string{
		"error":   errorType,
		"message": message,
	}

	if src != "" {
		errorResp["src"] = src
	}

	p.writeJSON(w, statusCode, errorResp)
}
