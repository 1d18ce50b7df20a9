package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/maxiv-kitscontrols/hdbppgw/archive"
	"github.com/maxiv-kitscontrols/hdbppgw/archive/series"
	"github.com/maxiv-kitscontrols/hdbppgw/pkg/hdbtime"
)

// ControlSystemsHandler lists the control systems the archive has data for.
func (s *Server) ControlSystemsHandler(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.GetAttConfigs(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"controlsystems": archive.SortedControlSystems(configs),
	})
}

// AttributesHandler searches one control system's attribute names with a
// case-insensitive wildcard pattern.
func (s *Server) AttributesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cs := q.Get("cs")
	if cs == "" {
		http.Error(w, "please provide a control system (cs)", http.StatusBadRequest)
		return
	}
	pattern := q.Get("search")
	if pattern == "" {
		pattern = "*"
	}
	max := s.cfg.MaxAttributeMatches
	if v := q.Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "max must be a positive integer", http.StatusBadRequest)
			return
		}
		max = n
	}

	re, err := globToRegexp(pattern)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	names, err := s.attributeNames(r.Context(), cs)
	if err != nil {
		s.writeError(w, err)
		return
	}

	matches := make([]string, 0, len(names))
	for _, name := range names {
		if len(matches) == max {
			break
		}
		if re.MatchString(name) {
			matches = append(matches, name)
		}
	}
	s.writeJSON(w, map[string]interface{}{"attributes": matches})
}

// SearchHandler is the Grafana JSON API search endpoint: a substring
// (regex) match over one control system's attribute names.
func (s *Server) SearchHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
		CS     string `json:"cs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	re, err := regexp.Compile("(?i).*" + req.Target + ".*")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	names, err := s.attributeNames(r.Context(), req.CS)
	if err != nil {
		s.writeError(w, err)
		return
	}

	matches := make([]string, 0, len(names))
	for _, name := range names {
		if re.MatchString(name) {
			matches = append(matches, name)
		}
	}
	s.writeJSON(w, matches)
}

type queryRequest struct {
	Targets []struct {
		CS     string `json:"cs"`
		Target string `json:"target"`
	} `json:"targets"`
	Range struct {
		From string `json:"from"`
		To   string `json:"to"`
	} `json:"range"`
	Interval string `json:"interval"`
}

// QueryHandler is the Grafana data endpoint. Results are trimmed to the
// exact requested window and optionally resampled, then rendered as CSV
// or Grafana JSON depending on the Accept header.
func (s *Server) QueryHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
	defer cancel()

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t0, t1, err := parseRange(req.Range.From, req.Range.To)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var freq time.Duration
	if req.Interval != "" {
		if freq, err = series.ParseFreq(req.Interval); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	names := make([]string, 0, len(req.Targets))
	for _, t := range req.Targets {
		names = append(names, t.CS+"/"+t.Target)
	}

	data, err := s.fetchTargets(ctx, names, t0, t1)
	if err != nil {
		s.writeError(w, err)
		return
	}
	for i := range data {
		data[i].Series = data[i].Series.Trim(hdbtime.FromTime(t0), hdbtime.FromTime(t1))
		if freq > 0 {
			data[i].Series = series.Resample(data[i].Series, freq)
		}
	}

	if err := s.render(ctx, w, negotiate(r.Header.Get("Accept")), data); err != nil {
		s.writeError(w, err)
	}
}

// HTTPQueryHandler serves raw exports to the viewer: whole days, no
// trimming, same content negotiation as /query.
func (s *Server) HTTPQueryHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
	defer cancel()

	var req struct {
		Attributes []string  `json:"attributes"`
		TimeRange  [2]string `json:"time_range"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t0, t1, err := parseRange(req.TimeRange[0], req.TimeRange[1])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := s.fetchTargets(ctx, req.Attributes, t0, t1)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.render(ctx, w, negotiate(r.Header.Get("Accept")), data); err != nil {
		s.writeError(w, err)
	}
}

// fetchTargets fetches every attribute concurrently, preserving request
// order. Attribute names are matched case-insensitively by lowering them
// the way the archiver stores them.
func (s *Server) fetchTargets(ctx context.Context, names []string, t0, t1 time.Time) ([]TargetData, error) {
	data := make([]TargetData, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			result, err := s.store.GetAttributeData(gctx, strings.ToLower(name), t0, t1)
			if err != nil {
				return errors.Wrap(err, name)
			}
			data[i] = TargetData{Name: name, Series: result}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return data, nil
}

// attributeNames returns one control system's attributes as sorted
// "domain/family/member/name" strings.
func (s *Server) attributeNames(ctx context.Context, cs string) ([]string, error) {
	attrs, err := s.store.GetAttributes(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(attrs[cs]))
	for _, a := range attrs[cs] {
		names = append(names, fmt.Sprintf("%s/%s/%s/%s", a.Domain, a.Family, a.Member, a.Name))
	}
	sort.Strings(names)
	return names, nil
}

func parseRange(from, to string) (time.Time, time.Time, error) {
	t0, err := hdbtime.ParseTime(from)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	t1, err := hdbtime.ParseTime(to)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return t0, t1, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Error(s.logger).Log("msg", "error writing response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, archive.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, archive.ErrUnprepared):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	default:
		level.Error(s.logger).Log("msg", "request failed", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
