// Package server implements the HTTP API for pixtext.
//
// Endpoints:
//
//	POST /api/convert?budget=N&fit=mode  Convert the image in the body
//	GET  /api/encoding/{hash}            Stored pixel text
//	GET  /api/preview/{hash}             WebP rendering of a stored conversion
//	GET  /api/conversions?limit=N        Recent conversion metadata
//	GET  /api/health                     Service health + catalog stats
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/Jesssullivan/pixtext/internal/catalog"
	"github.com/Jesssullivan/pixtext/internal/convert"
	"github.com/Jesssullivan/pixtext/internal/encode"
	"github.com/Jesssullivan/pixtext/internal/ingest"
	"github.com/Jesssullivan/pixtext/internal/plan"
	"github.com/Jesssullivan/pixtext/internal/preview"
	"github.com/Jesssullivan/pixtext/internal/raster"
	"github.com/Jesssullivan/pixtext/internal/store"
	"golang.org/x/time/rate"
)

// Config tunes the handler.
type Config struct {
	// ConvertRate is the sustained conversions per second; zero disables
	// limiting.
	ConvertRate  float64
	ConvertBurst int
}

// DefaultConfig allows 4 conversions per second with bursts of 8.
func DefaultConfig() Config {
	return Config{ConvertRate: 4, ConvertBurst: 8}
}

type handler struct {
	ing     *ingest.Ingester
	cat     *catalog.DB
	blobs   *store.Store
	limiter *rate.Limiter
}

// New creates an HTTP handler for the pixtext API.
func New(ing *ingest.Ingester, cat *catalog.DB, blobs *store.Store, cfg Config) http.Handler {
	h := &handler{ing: ing, cat: cat, blobs: blobs}
	if cfg.ConvertRate > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(cfg.ConvertRate), max(cfg.ConvertBurst, 1))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/convert", h.convert)
	mux.HandleFunc("GET /api/encoding/{hash}", h.encoding)
	mux.HandleFunc("GET /api/preview/{hash}", h.preview)
	mux.HandleFunc("GET /api/conversions", h.conversions)
	mux.HandleFunc("GET /api/health", h.health)

	return mux
}

func (h *handler) convert(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		http.Error(w, "too many conversions", http.StatusTooManyRequests)
		return
	}

	opts, err := optionsFromQuery(h.ing.Options(), r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, ingest.MaxSourceBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, "image too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "unreadable request body", http.StatusBadRequest)
		return
	}

	source := r.URL.Query().Get("name")
	if source == "" {
		source = "upload"
	}
	c, _, err := h.ing.Process(r.Context(), source, data, opts)
	if err != nil {
		log.Printf("convert: %v", err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	text, err := h.blobs.Get(c.Hash)
	if err != nil {
		log.Printf("convert: read back %s: %v", c.Hash, err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Pixtext-Hash", c.Hash)
	w.Header().Set("X-Pixtext-Width", strconv.Itoa(c.Width))
	w.Header().Set("X-Pixtext-Height", strconv.Itoa(c.Height))
	w.Write(text)
}

func optionsFromQuery(opts convert.Options, r *http.Request) (convert.Options, error) {
	q := r.URL.Query()
	if s := q.Get("budget"); s != "" {
		b, err := strconv.Atoi(s)
		if err != nil {
			return opts, errors.New("budget must be an integer")
		}
		opts.Plan.Budget = b
	}
	if s := q.Get("fit"); s != "" {
		fit, err := convert.ParseFit(s)
		if err != nil {
			return opts, err
		}
		opts.Fit = fit
	}
	if err := opts.Plan.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, convert.ErrBudgetExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, convert.ErrSourceUnreadable), errors.Is(err, raster.ErrInvalidDimensions):
		return http.StatusUnprocessableEntity
	case errors.Is(err, plan.ErrBadConfig):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// lookup loads the stored text for the {hash} path value, writing the error
// response itself when it fails.
func (h *handler) lookup(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	hash := r.PathValue("hash")
	if !store.ValidKey(hash) {
		http.Error(w, "invalid hash", http.StatusBadRequest)
		return nil, false
	}
	text, err := h.blobs.Get(hash)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return nil, false
	}
	if err != nil {
		log.Printf("lookup %s: %v", hash, err)
		http.Error(w, "read error", http.StatusInternalServerError)
		return nil, false
	}
	return text, true
}

func (h *handler) encoding(w http.ResponseWriter, r *http.Request) {
	text, ok := h.lookup(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write(text)
}

func (h *handler) preview(w http.ResponseWriter, r *http.Request) {
	text, ok := h.lookup(w, r)
	if !ok {
		return
	}
	grid, err := encode.Parse(bytes.NewReader(text))
	if err != nil {
		log.Printf("preview: %v", err)
		http.Error(w, "stored encoding is corrupt", http.StatusInternalServerError)
		return
	}

	maxWidth := preview.DefaultMaxWidth
	if s := r.URL.Query().Get("width"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			maxWidth = n
		}
	}
	data, _, _, err := preview.WebP(grid, maxWidth)
	if err != nil {
		log.Printf("preview: %v", err)
		http.Error(w, "render error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/webp")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write(data)
}

func (h *handler) conversions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "limit must be 1..500", http.StatusBadRequest)
			return
		}
		limit = n
	}

	list, err := h.cat.Recent(limit)
	if err != nil {
		log.Printf("conversions: %v", err)
		http.Error(w, "catalog error", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*catalog.Conversion{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

type healthResponse struct {
	Status     string  `json:"status"`
	Count      int     `json:"count"`
	OverBudget int     `json:"over_budget"`
	TextMB     float64 `json:"text_mb"`
	StoredMB   float64 `json:"stored_mb"`
	Budget     int     `json:"budget"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.cat.Stats()
	if err != nil {
		http.Error(w, "stats error", http.StatusInternalServerError)
		return
	}

	resp := healthResponse{
		Status:     "ok",
		Count:      stats.Count,
		OverBudget: stats.OverBudget,
		TextMB:     float64(stats.TextBytes) / (1024 * 1024),
		StoredMB:   float64(stats.StoredBytes) / (1024 * 1024),
		Budget:     h.ing.Options().Plan.Budget,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
