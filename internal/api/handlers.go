package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"backtestlab/internal/batch"
	"backtestlab/internal/domain"
	"backtestlab/internal/results"
	"backtestlab/internal/scan"
	"backtestlab/internal/schedule"
	"backtestlab/internal/strategy"
)

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("GET /api/results", s.handleQuery)
	mux.HandleFunc("GET /api/results/summary", s.handleSummary)
	mux.HandleFunc("GET /api/results/top", s.handleTop)
	mux.HandleFunc("POST /api/results/bulk", s.handleBulkStats)
	mux.HandleFunc("GET /api/results/{symbol}/{strategy}/{hash}/{rule}", s.handleGet)
	mux.HandleFunc("DELETE /api/results/{symbol}/{strategy}/{hash}/{rule}", s.handleDelete)

	mux.HandleFunc("GET /api/strategies", s.handleStrategies)
	mux.HandleFunc("POST /api/batch", s.handleBatch)

	mux.HandleFunc("GET /api/indicators/{symbol}", s.handleIndicatorCatalog)
	mux.HandleFunc("POST /api/indicators/{symbol}/{name}/{period}", s.handleEnsure)
	mux.HandleFunc("GET /api/scan/rsi", s.handleScanRSI)
	mux.HandleFunc("GET /api/scan/ma", s.handleScanMA)
	mux.HandleFunc("GET /api/scan/pattern/{name}", s.handleScanPattern)

	mux.HandleFunc("GET /api/groupsets", s.handleListGroupSets)
	mux.HandleFunc("GET /api/groupsets/{name}", s.handleGetGroupSet)
	mux.HandleFunc("PUT /api/groupsets/{name}", s.handlePutGroupSet)
	mux.HandleFunc("DELETE /api/groupsets/{name}", s.handleDeleteGroupSet)
	mux.HandleFunc("POST /api/groupsets/{name}/run", s.handleRunGroupSet)

	mux.HandleFunc("GET /ws", s.deps.Hub.ServeWS)
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]string{"error": msg})
}

// writeErr maps the error taxonomy onto HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeResults writes index listings. Rows skipped as corrupt downgrade the
// response to 206 with a Warning header.
func writeResults(w http.ResponseWriter, v any, err error) {
	switch {
	case err == nil:
		writeJSON(w, v)
	case errors.Is(err, domain.ErrDataCorruption):
		w.Header().Set("Warning", `199 backtestlab "corrupt index rows skipped"`)
		writeJSONStatus(w, http.StatusPartialContent, v)
	default:
		writeErr(w, err)
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(domain.ErrInvalidInput, err)
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Join(domain.ErrInvalidInput, err)
	}
	return n, nil
}

func queryFloat(r *http.Request, name string, def float64) (float64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.Join(domain.ErrInvalidInput, err)
	}
	return f, nil
}

func querySymbols(r *http.Request) []string {
	var out []string
	for _, s := range strings.Split(r.URL.Query().Get("symbols"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, strings.ToUpper(s))
		}
	}
	return out
}

func pathKey(r *http.Request) results.Key {
	return results.Key{
		Symbol:     strings.ToUpper(r.PathValue("symbol")),
		Strategy:   r.PathValue("strategy"),
		ParamsHash: r.PathValue("hash"),
		ExitRule:   r.PathValue("rule"),
	}
}

// ---------------------------------------------------------------------------
// Results
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := results.Filter{
		Symbol:     q.Get("symbol"),
		Strategy:   q.Get("strategy"),
		ParamsHash: q.Get("params_hash"),
		ExitRule:   q.Get("exit_rule"),
		OrderBy:    q.Get("order_by"),
	}
	var err error
	if f.MinTrades, err = queryInt(r, "min_trades", 0); err != nil {
		writeErr(w, err)
		return
	}
	if f.Limit, err = queryInt(r, "limit", 0); err != nil {
		writeErr(w, err)
		return
	}
	if f.OrderBy != "" {
		if _, ok := results.SortableMetrics[f.OrderBy]; !ok {
			writeError(w, http.StatusBadRequest, "unknown order_by metric "+strconv.Quote(f.OrderBy))
			return
		}
	}
	rows, err := s.deps.Results.Query(r.Context(), f)
	body := map[string]any{"count": len(rows), "results": rows}
	if err != nil && errors.Is(err, domain.ErrDataCorruption) {
		body["warning"] = err.Error()
	}
	writeResults(w, body, err)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deps.Results.Summary(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, sum)
}

func (s *Server) handleTop(w http.ResponseWriter, r *http.Request) {
	minTrades, err := queryInt(r, "min_trades", 1)
	if err != nil {
		writeErr(w, err)
		return
	}
	n, err := queryInt(r, "n", 10)
	if err != nil {
		writeErr(w, err)
		return
	}
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		metric = "sharpe_ratio"
	}
	rows, err := s.deps.Results.TopPerformers(r.Context(), r.URL.Query().Get("strategy"), metric, minTrades, n)
	writeResults(w, rows, err)
}

func (s *Server) handleBulkStats(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Keys []results.Key `json:"keys"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	stats, err := s.deps.Results.BulkStats(r.Context(), req.Keys)
	writeResults(w, stats, err)
}

// handleGet returns 206 with a warning when a payload is corrupt, so the
// metrics are still delivered.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := pathKey(r)
	rec, found, err := s.deps.Results.Get(r.Context(), key)
	switch {
	case err != nil && found && errors.Is(err, domain.ErrDataCorruption):
		w.Header().Set("Warning", `199 backtestlab "partial record: payload unreadable"`)
		writeJSONStatus(w, http.StatusPartialContent, map[string]any{"record": rec, "warning": err.Error()})
	case err != nil:
		writeErr(w, err)
	case !found:
		writeError(w, http.StatusNotFound, "no result for "+key.ID())
	default:
		writeJSON(w, map[string]any{"record": rec})
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	existed, err := s.deps.Results.Delete(r.Context(), pathKey(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, "no result for "+pathKey(r).ID())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Strategies and batches
// ---------------------------------------------------------------------------

func (s *Server) handleStrategies(w http.ResponseWriter, _ *http.Request) {
	type info struct {
		Name     string        `json:"name"`
		Defaults domain.Params `json:"defaults"`
	}
	out := []info{}
	for _, name := range s.deps.Registry.List() {
		st, _ := s.deps.Registry.Get(name)
		out = append(out, info{Name: name, Defaults: st.Defaults()})
	}
	writeJSON(w, out)
}

// BatchRequest is the body of POST /api/batch. Grids expand into configs
// appended after Configs.
type BatchRequest struct {
	Symbols   []string                `json:"symbols"`
	Configs   []domain.StrategyConfig `json:"configs"`
	Grids     []GridSpec              `json:"grids,omitempty"`
	ExitRules []string                `json:"exit_rules"`
}

// GridSpec is a parameter grid for one strategy.
type GridSpec struct {
	Name string               `json:"name"`
	Grid map[string][]float64 `json:"grid"`
}

// BatchResponse is the result of a batch run.
type BatchResponse struct {
	Results batch.Table    `json:"results"`
	Stats   batch.JobStats `json:"stats"`
}

// handleBatch runs a batch synchronously, pushing progress to WebSocket
// subscribers.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	configs := req.Configs
	for _, g := range req.Grids {
		configs = append(configs, strategy.ExpandGrid(g.Name, g.Grid)...)
	}
	if len(req.Symbols) == 0 || len(configs) == 0 {
		writeError(w, http.StatusBadRequest, "symbols and configs are required")
		return
	}

	table, stats, err := s.deps.Batches.RunBatch(r.Context(), req.Symbols, configs, req.ExitRules, s.deps.Hub.Progress)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, BatchResponse{Results: table, Stats: stats})
}

// ---------------------------------------------------------------------------
// Indicators and scans
// ---------------------------------------------------------------------------

func (s *Server) handleIndicatorCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.deps.Cache.Catalog().Entries(strings.ToUpper(r.PathValue("symbol"))))
}

func (s *Server) handleEnsure(w http.ResponseWriter, r *http.Request) {
	period, err := strconv.Atoi(r.PathValue("period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid period")
		return
	}
	symbol := strings.ToUpper(r.PathValue("symbol"))
	computed, err := s.deps.Cache.Ensure(r.Context(), symbol, r.PathValue("name"), period)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"symbol": symbol, "name": r.PathValue("name"), "period": period, "computed": computed})
}

func (s *Server) handleScanRSI(w http.ResponseWriter, r *http.Request) {
	period, err := queryInt(r, "period", 14)
	if err != nil {
		writeErr(w, err)
		return
	}
	var hits []scan.Hit
	switch mode := r.URL.Query().Get("mode"); mode {
	case "", "oversold":
		var threshold float64
		if threshold, err = queryFloat(r, "threshold", 30); err == nil {
			hits, err = s.deps.Scanner.RSIOversold(r.Context(), querySymbols(r), period, threshold)
		}
	case "overbought":
		var threshold float64
		if threshold, err = queryFloat(r, "threshold", 70); err == nil {
			hits, err = s.deps.Scanner.RSIOverbought(r.Context(), querySymbols(r), period, threshold)
		}
	default:
		writeError(w, http.StatusBadRequest, "mode must be oversold or overbought")
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, hits)
}

func (s *Server) handleScanMA(w http.ResponseWriter, r *http.Request) {
	fast, err := queryInt(r, "fast", 20)
	if err != nil {
		writeErr(w, err)
		return
	}
	slow, err := queryInt(r, "slow", 50)
	if err != nil {
		writeErr(w, err)
		return
	}
	bullish := r.URL.Query().Get("direction") != "bearish"
	hits, err := s.deps.Scanner.MACrossover(r.Context(), querySymbols(r), fast, slow, bullish)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, hits)
}

func (s *Server) handleScanPattern(w http.ResponseWriter, r *http.Request) {
	hits, err := s.deps.Scanner.Pattern(r.Context(), querySymbols(r), r.PathValue("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, hits)
}

// ---------------------------------------------------------------------------
// Group sets
// ---------------------------------------------------------------------------

func (s *Server) handleListGroupSets(w http.ResponseWriter, r *http.Request) {
	sets, err := s.deps.Results.ListGroupSets(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, sets)
}

func (s *Server) handleGetGroupSet(w http.ResponseWriter, r *http.Request) {
	g, found, err := s.deps.Results.LoadGroupSet(r.Context(), r.PathValue("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no group set "+strconv.Quote(r.PathValue("name")))
		return
	}
	writeJSON(w, g)
}

func (s *Server) handlePutGroupSet(w http.ResponseWriter, r *http.Request) {
	var g results.GroupSet
	if err := decodeBody(r, &g); err != nil {
		writeErr(w, err)
		return
	}
	g.Name = r.PathValue("name")
	if err := s.deps.Results.SaveGroupSet(r.Context(), g); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteGroupSet(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.deps.Results.DeleteGroupSet(r.Context(), r.PathValue("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "no group set "+strconv.Quote(r.PathValue("name")))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunGroupSet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.deps.Schedule != nil {
		table, stats, err := s.deps.Schedule.Run(r.Context(), name)
		if errors.Is(err, schedule.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, BatchResponse{Results: table, Stats: stats})
		return
	}

	g, found, err := s.deps.Results.LoadGroupSet(r.Context(), name)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no group set "+strconv.Quote(name))
		return
	}
	table, stats, err := s.deps.Batches.RunBatch(r.Context(), g.Symbols, g.Configs, g.ExitRules, s.deps.Hub.Progress)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, BatchResponse{Results: table, Stats: stats})
}
