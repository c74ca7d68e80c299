package autorange

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"goji.io"
	"goji.io/pat"
)

// HTTPWrapper provides HTTP bindings for the autorange operations so the
// scan orchestration layer can drive them remotely.
type HTTPWrapper struct {
	// Bundles is every configured detector control bundle.
	Bundles []*Bundle

	// Cache is the process gain cache.
	Cache *GainCache

	// Live controls escalation of non-convergence, as in Options.Live.
	Live bool

	// RouteTable maps goji patterns to http handlers
	RouteTable map[goji.Pattern]http.HandlerFunc
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table
// pre-configured.
func NewHTTPWrapper(urlStem string, bundles []*Bundle, cache *GainCache, live bool) HTTPWrapper {
	w := HTTPWrapper{Bundles: bundles, Cache: cache, Live: live}
	rt := map[goji.Pattern]http.HandlerFunc{
		pat.Post(urlStem + "autoscale"):    w.HTTPAutoscale,
		pat.Post(urlStem + "background"):   w.HTTPBackground,
		pat.Get(urlStem + "cache"):         w.HTTPCache,
		pat.Get(urlStem + "gains/:bundle"): w.HTTPGains,
	}
	w.RouteTable = rt
	return w
}

// BindRoutes binds the route table to the mux.
func (h HTTPWrapper) BindRoutes(mux *goji.Mux) {
	for ptrn, meth := range h.RouteTable {
		mux.HandleFunc(ptrn, meth)
	}
}

func queryDuration(r *http.Request, name string, fallback time.Duration) time.Duration {
	s := r.URL.Query().Get(name)
	if s == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return time.Duration(f * float64(time.Second))
}

func queryInt(r *http.Request, name string, fallback int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return fallback
	}
	i, err := strconv.Atoi(s)
	if err != nil || i <= 0 {
		return fallback
	}
	return i
}

// HTTPAutoscale runs autoscale over every resource group and returns the
// per-counter convergence as JSON.  Query parameters count_time
// (seconds) and max_iterations override the defaults.
func (h HTTPWrapper) HTTPAutoscale(w http.ResponseWriter, r *http.Request) {
	opts := Options{
		CountTime:     queryDuration(r, "count_time", DefaultCountTime),
		MaxIterations: queryInt(r, "max_iterations", DefaultMaxIterations),
		Live:          h.Live,
	}
	results, err := AutoscaleAll(r.Context(), h.Bundles, h.Cache, opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(results)
}

// HTTPBackground measures backgrounds for every resource group.  Query
// parameters count_time (seconds) and readings override the defaults.
func (h HTTPWrapper) HTTPBackground(w http.ResponseWriter, r *http.Request) {
	countTime := queryDuration(r, "count_time", DefaultBackgroundCountTime)
	readings := queryInt(r, "readings", DefaultBackgroundReadings)
	err := MeasureBackgroundAll(r.Context(), h.Bundles, countTime, readings)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HTTPCache dumps the gain cache as JSON.
func (h HTTPWrapper) HTTPCache(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(h.Cache.Snapshot())
}

// HTTPGains lists the acceptable gain values for the named bundle.
func (h HTTPWrapper) HTTPGains(w http.ResponseWriter, r *http.Request) {
	name := pat.Param(r, "bundle")
	for _, b := range h.Bundles {
		if b.Name == name {
			vals, err := b.Amp.AcceptableValues(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(vals)
			return
		}
	}
	http.Error(w, "no bundle named "+name, http.StatusNotFound)
}
