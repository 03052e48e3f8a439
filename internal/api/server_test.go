package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"backtestlab/internal/batch"
	"backtestlab/internal/config"
	"backtestlab/internal/domain"
	"backtestlab/internal/indicator"
	"backtestlab/internal/results"
	"backtestlab/internal/scan"
	"backtestlab/internal/schedule"
	"backtestlab/internal/store"
	"backtestlab/internal/strategy/builtins"
)

type testEnv struct {
	server  *Server
	handler http.Handler
	results *results.Store
	dir     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	log := slog.Default()

	bars := store.NewParquetStore(filepath.Join(dir, "bars"))
	t0 := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	var series []domain.Bar
	for i := 0; i < 120; i++ {
		c := 100 + 8*math.Sin(float64(i)/7)
		series = append(series, domain.Bar{Symbol: "AAA", Timestamp: t0.AddDate(0, 0, i), Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 100})
	}
	if err := bars.WriteBars(ctx, series); err != nil {
		t.Fatal(err)
	}

	index, err := results.OpenIndex(ctx, "sqlite", filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	res := results.New(index, results.NewFilePayloads(filepath.Join(dir, "payloads"), nil), log)
	t.Cleanup(func() { res.Close() })

	cache := indicator.NewCache(bars, filepath.Join(dir, "indicators"), log)
	registry := builtins.NewRegistry()
	hub := NewHub(log)
	deps := Deps{
		Results:  res,
		Cache:    cache,
		Registry: registry,
		Batches:  batch.NewOrchestrator(bars, cache, registry, res, hub, batch.Options{}, log),
		Scanner:  scan.NewScanner(bars, cache, res, log),
		Hub:      hub,
	}
	s := NewServer(config.Server{Host: "127.0.0.1", Port: 0}, deps, log)
	return &testEnv{server: s, handler: s.Handler(), results: res, dir: dir}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return v
}

var maCfg = domain.StrategyConfig{Name: "ma_crossover", Params: domain.Params{"fast_period": 5, "slow_period": 20}}

func (e *testEnv) runBatch(t *testing.T) BatchResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/batch", BatchRequest{
		Symbols:   []string{"AAA", "ZZZ"},
		Configs:   []domain.StrategyConfig{maCfg},
		ExitRules: []string{"default"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/batch = %d %s", rec.Code, rec.Body.String())
	}
	return decode[BatchResponse](t, rec)
}

func TestNewServer(t *testing.T) {
	e := newTestEnv(t)
	if e.server == nil || e.server.grpcAddr != "" {
		t.Fatalf("server = %+v, want gRPC disabled for port 0", e.server)
	}
	if rec := e.do(t, http.MethodGet, "/api/health", nil); rec.Code != http.StatusOK {
		t.Errorf("health = %d", rec.Code)
	}
}

func TestBatchQueryGetDelete(t *testing.T) {
	e := newTestEnv(t)
	resp := e.runBatch(t)
	if resp.Stats.Total != 2 || resp.Stats.Completed != 1 || resp.Stats.Failed != 1 {
		t.Fatalf("stats = %+v", resp.Stats)
	}
	if resp.Stats.Errors[0].Symbol != "ZZZ" {
		t.Errorf("failed job = %+v", resp.Stats.Errors[0])
	}

	rec := e.do(t, http.MethodGet, "/api/results?symbol=aaa&strategy=ma_crossover", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("query = %d", rec.Code)
	}
	q := decode[struct {
		Count   int               `json:"count"`
		Results []results.Summary `json:"results"`
	}](t, rec)
	if q.Count != 1 {
		t.Fatalf("query count = %d, want 1", q.Count)
	}

	path := "/api/results/AAA/ma_crossover/" + q.Results[0].Key.ParamsHash + "/signal_exit"
	rec = e.do(t, http.MethodGet, path, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET record = %d %s", rec.Code, rec.Body.String())
	}
	got := decode[struct {
		Record struct {
			Trades *[]domain.Trade       `json:"trades"`
			Equity *[]domain.EquityPoint `json:"equity"`
		} `json:"record"`
	}](t, rec)
	if got.Record.Trades == nil || got.Record.Equity == nil || len(*got.Record.Equity) != 120 {
		t.Errorf("record payloads missing: %s", rec.Body.String())
	}

	if rec := e.do(t, http.MethodDelete, path, nil); rec.Code != http.StatusNoContent {
		t.Errorf("DELETE = %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, path, nil); rec.Code != http.StatusNotFound {
		t.Errorf("GET after delete = %d", rec.Code)
	}
	if rec := e.do(t, http.MethodDelete, path, nil); rec.Code != http.StatusNotFound {
		t.Errorf("second DELETE = %d", rec.Code)
	}
}

func TestGetCorruptRecordIsPartial(t *testing.T) {
	e := newTestEnv(t)
	e.runBatch(t)

	files, _ := filepath.Glob(filepath.Join(e.dir, "payloads", "trades", "*.json"))
	if len(files) != 1 {
		t.Fatalf("ledger files = %v", files)
	}
	if err := os.WriteFile(files[0], []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	key := results.NewKey("AAA", maCfg, domain.ExitRule{Kind: domain.ExitSignal})
	rec := e.do(t, http.MethodGet, "/api/results/AAA/ma_crossover/"+key.ParamsHash+"/signal_exit", nil)
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("GET corrupt = %d, want 206", rec.Code)
	}
	if rec.Header().Get("Warning") == "" {
		t.Error("missing Warning header")
	}
	body := decode[map[string]any](t, rec)
	if body["warning"] == nil || body["record"] == nil {
		t.Errorf("body = %v", body)
	}
}

func TestBadRequests(t *testing.T) {
	e := newTestEnv(t)
	tests := []struct {
		method, path string
		body         any
		want         int
	}{
		{http.MethodGet, "/api/results?order_by=bogus", nil, http.StatusBadRequest},
		{http.MethodGet, "/api/results?limit=x", nil, http.StatusBadRequest},
		{http.MethodGet, "/api/results/top?metric=bogus", nil, http.StatusBadRequest},
		{http.MethodPost, "/api/batch", BatchRequest{Symbols: []string{"AAA"}, Configs: []domain.StrategyConfig{maCfg}, ExitRules: []string{"moon"}}, http.StatusBadRequest},
		{http.MethodPost, "/api/batch", BatchRequest{}, http.StatusBadRequest},
		{http.MethodPost, "/api/indicators/AAA/nope/14", nil, http.StatusBadRequest},
		{http.MethodPost, "/api/indicators/ZZZ/rsi/14", nil, http.StatusNotFound},
		{http.MethodGet, "/api/scan/rsi?mode=sideways", nil, http.StatusBadRequest},
		{http.MethodGet, "/api/groupsets/none", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		if rec := e.do(t, tt.method, tt.path, tt.body); rec.Code != tt.want {
			t.Errorf("%s %s = %d, want %d (%s)", tt.method, tt.path, rec.Code, tt.want, rec.Body.String())
		}
	}
}

func TestEnsureIndicatorAndScan(t *testing.T) {
	e := newTestEnv(t)
	for i, want := range []bool{true, false} {
		rec := e.do(t, http.MethodPost, "/api/indicators/aaa/rsi/14", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("ensure = %d %s", rec.Code, rec.Body.String())
		}
		if got := decode[map[string]any](t, rec)["computed"]; got != want {
			t.Errorf("ensure call %d computed = %v, want %v", i, got, want)
		}
	}
	rec := e.do(t, http.MethodGet, "/api/indicators/AAA", nil)
	if entries := decode[[]indicator.Entry](t, rec); len(entries) != 1 || entries[0].Period != 14 {
		t.Errorf("catalog = %+v", entries)
	}

	rec = e.do(t, http.MethodGet, "/api/scan/rsi?symbols=AAA&threshold=101", nil)
	if hits := decode[[]scan.Hit](t, rec); len(hits) != 1 {
		t.Errorf("scan hits = %d, want 1", len(hits))
	}
}

func TestGroupSetLifecycle(t *testing.T) {
	e := newTestEnv(t)
	g := results.GroupSet{Symbols: []string{"AAA"}, Configs: []domain.StrategyConfig{maCfg}, ExitRules: []string{"default", "trailing_stop"}}
	if rec := e.do(t, http.MethodPut, "/api/groupsets/core", g); rec.Code != http.StatusNoContent {
		t.Fatalf("PUT = %d %s", rec.Code, rec.Body.String())
	}
	rec := e.do(t, http.MethodPost, "/api/groupsets/core/run", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("run = %d %s", rec.Code, rec.Body.String())
	}
	if resp := decode[BatchResponse](t, rec); resp.Stats.Completed != 2 {
		t.Errorf("run stats = %+v", resp.Stats)
	}
	if sets := decode[[]results.GroupSet](t, e.do(t, http.MethodGet, "/api/groupsets", nil)); len(sets) != 1 {
		t.Errorf("list = %+v", sets)
	}
	if rec := e.do(t, http.MethodDelete, "/api/groupsets/core", nil); rec.Code != http.StatusNoContent {
		t.Errorf("DELETE = %d", rec.Code)
	}
}

// blockingBatches holds RunBatch open until release is closed.
type blockingBatches struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingBatches) RunBatch(_ context.Context, symbols []string, configs []domain.StrategyConfig, rules []string, _ batch.ProgressFunc) (batch.Table, batch.JobStats, error) {
	close(b.started)
	<-b.release
	return batch.Table{{Symbol: symbols[0], Strategy: configs[0].Name, ExitRule: rules[0]}}, batch.JobStats{Total: 1, Completed: 1, SuccessRate: 1}, nil
}

func TestScheduledGroupSetRun(t *testing.T) {
	e := newTestEnv(t)
	g := results.GroupSet{Symbols: []string{"AAA"}, Configs: []domain.StrategyConfig{maCfg}, ExitRules: []string{"default"}}
	if rec := e.do(t, http.MethodPut, "/api/groupsets/core", g); rec.Code != http.StatusNoContent {
		t.Fatalf("PUT = %d %s", rec.Code, rec.Body.String())
	}
	b := &blockingBatches{started: make(chan struct{}), release: make(chan struct{})}
	e.server.deps.Schedule = schedule.New(e.results, b, nil, slog.Default())

	first := make(chan *httptest.ResponseRecorder)
	go func() { first <- e.do(t, http.MethodPost, "/api/groupsets/core/run", nil) }()
	<-b.started

	if rec := e.do(t, http.MethodPost, "/api/groupsets/core/run", nil); rec.Code != http.StatusConflict {
		t.Errorf("overlapping run = %d, want 409", rec.Code)
	}
	close(b.release)

	rec := <-first
	if rec.Code != http.StatusOK {
		t.Fatalf("run = %d %s", rec.Code, rec.Body.String())
	}
	if resp := decode[BatchResponse](t, rec); len(resp.Results) != 1 || resp.Stats.Completed != 1 {
		t.Errorf("run = %+v", resp)
	}
}

func TestQuerySkipsCorruptRows(t *testing.T) {
	e := newTestEnv(t)
	e.runBatch(t)
	other := domain.StrategyConfig{Name: "ma_crossover", Params: domain.Params{"fast_period": 3, "slow_period": 10}}
	if rec := e.do(t, http.MethodPost, "/api/batch", BatchRequest{Symbols: []string{"AAA"}, Configs: []domain.StrategyConfig{other}, ExitRules: []string{"default"}}); rec.Code != http.StatusOK {
		t.Fatalf("POST /api/batch = %d", rec.Code)
	}

	db, err := sqlx.Open("sqlite", filepath.Join(e.dir, "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	bad := results.NewKey("AAA", other, domain.ExitRule{Kind: domain.ExitSignal})
	if _, err := db.Exec(`UPDATE backtests SET params = '{bad' WHERE params_hash = ?`, bad.ParamsHash); err != nil {
		t.Fatal(err)
	}

	rec := e.do(t, http.MethodGet, "/api/results?symbol=AAA", nil)
	if rec.Code != http.StatusPartialContent || rec.Header().Get("Warning") == "" {
		t.Fatalf("GET /api/results = %d, warning %q", rec.Code, rec.Header().Get("Warning"))
	}
	body := decode[struct {
		Count   int               `json:"count"`
		Results []results.Summary `json:"results"`
		Warning string            `json:"warning"`
	}](t, rec)
	if body.Count != 1 || body.Results[0].Key.ParamsHash == bad.ParamsHash || body.Warning == "" {
		t.Errorf("body = %+v", body)
	}
}

func TestGRPCResultsService(t *testing.T) {
	e := newTestEnv(t)
	e.runBatch(t)

	lis := bufconn.Listen(1 << 20)
	go e.server.grpc.Serve(lis)
	defer e.server.grpc.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	ctx := context.Background()
	invoke := func(method string, in map[string]any) (*structpb.Struct, error) {
		req, err := structpb.NewStruct(in)
		if err != nil {
			t.Fatal(err)
		}
		out := &structpb.Struct{}
		err = conn.Invoke(ctx, "/"+ResultsServiceName+"/"+method, req, out)
		return out, err
	}

	out, err := invoke("Query", map[string]any{"symbol": "AAA"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if n := len(out.Fields["results"].GetListValue().GetValues()); n != 1 {
		t.Errorf("Query results = %d, want 1", n)
	}

	out, err = invoke("Summary", map[string]any{})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if got := out.Fields["total_backtests"].GetNumberValue(); got != 1 {
		t.Errorf("total_backtests = %v", got)
	}

	_, err = invoke("Get", map[string]any{"symbol": "AAA", "strategy": "ma_crossover", "params_hash": "0000000000000000", "exit_rule": "signal_exit"})
	if status.Code(err) != codes.NotFound {
		t.Errorf("Get(missing) code = %v, want NotFound", status.Code(err))
	}

	_, err = invoke("Query", map[string]any{"order_by": "bogus"})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("Query(bogus) code = %v, want InvalidArgument", status.Code(err))
	}
}
