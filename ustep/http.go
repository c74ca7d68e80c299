package ustep

import (
	"encoding/json"
	"net/http"
	"strconv"

	"goji.io"
	"goji.io/pat"
)

// HTTPWrapper provides HTTP bindings for series generation so the scan
// planning tools can preview trajectories.  BindRoutes must be called on
// the mux it is to serve from.
type HTTPWrapper struct {
	// RouteTable maps goji patterns to http handlers
	RouteTable map[goji.Pattern]http.HandlerFunc
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table
// pre-configured.
func NewHTTPWrapper(urlStem string) HTTPWrapper {
	w := HTTPWrapper{}
	rt := map[goji.Pattern]http.HandlerFunc{
		pat.Get(urlStem + "series"): w.HTTPSeries,
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

type seriesResponse struct {
	Factor float64   `json:"factor"`
	Points []float64 `json:"points"`
}

// HTTPSeries generates a series from query parameters
// (start, reference, finish, points, exponent, minstep) and returns the
// solved factor and positions as JSON.
func (h HTTPWrapper) HTTPSeries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	getF := func(name string) (float64, bool) {
		v, err := strconv.ParseFloat(q.Get(name), 64)
		if err != nil {
			http.Error(w, "bad or missing query parameter "+name, http.StatusBadRequest)
			return 0, false
		}
		return v, true
	}
	start, ok := getF("start")
	if !ok {
		return
	}
	ref, ok := getF("reference")
	if !ok {
		return
	}
	finish, ok := getF("finish")
	if !ok {
		return
	}
	exp, ok := getF("exponent")
	if !ok {
		return
	}
	minStep, ok := getF("minstep")
	if !ok {
		return
	}
	n, err := strconv.Atoi(q.Get("points"))
	if err != nil {
		http.Error(w, "bad or missing query parameter points", http.StatusBadRequest)
		return
	}
	s, err := New(start, ref, finish, n, exp, minStep)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err = json.NewEncoder(w).Encode(seriesResponse{Factor: s.Factor, Points: s.Points()})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
