package backtestlab

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"backtestlab/internal/domain"
	"backtestlab/internal/results"
)

func TestNewClient(t *testing.T) {
	c := NewClient("http://localhost:8080/")
	if c == nil {
		t.Fatal("expected non-nil client")
	}
	if c.baseURL != "http://localhost:8080" {
		t.Errorf("expected trimmed baseURL, got %q", c.baseURL)
	}
	if c.httpClient == nil {
		t.Fatal("expected non-nil httpClient")
	}
}

func TestQueryEncodesFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/results" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("symbol") != "AAA" || q.Get("order_by") != "sharpe_ratio" || q.Get("limit") != "5" || q.Has("min_trades") {
			t.Errorf("query = %v", q)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"count":   1,
			"results": []results.Summary{{Key: results.Key{Symbol: "AAA", Strategy: "ma_crossover"}}},
		})
	}))
	defer srv.Close()

	rows, err := NewClient(srv.URL).Query(context.Background(), results.Filter{Symbol: "AAA", OrderBy: "sharpe_ratio", Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Key.Strategy != "ma_crossover" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestErrorsMapToTaxonomy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"error":"no result"}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error":"bad exit rule"}`)
		}
	}))
	defer srv.Close()
	c := NewClient(srv.URL)

	err := c.Delete(context.Background(), results.Key{Symbol: "AAA", Strategy: "s", ParamsHash: "h", ExitRule: "signal_exit"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Delete err = %v, want ErrNotFound", err)
	}
	_, _, err = c.RunBatch(context.Background(), BatchRequest{Symbols: []string{"AAA"}, ExitRules: []string{"moon"}})
	var apiErr *APIError
	if !errors.Is(err, domain.ErrInvalidInput) || !errors.As(err, &apiErr) || apiErr.Message != "bad exit rule" {
		t.Errorf("RunBatch err = %v", err)
	}
}

func TestGetPartialRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/results/AAA/ma_crossover/5a06eec1f57577a2/signal_exit" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, `{"record":{"key":{"symbol":"AAA"},"metrics":{"num_trades":3},"equity":[],"trades":null},"warning":"trades unreadable"}`)
	}))
	defer srv.Close()

	key := results.Key{Symbol: "AAA", Strategy: "ma_crossover", ParamsHash: "5a06eec1f57577a2", ExitRule: "signal_exit"}
	rec, err := NewClient(srv.URL).Get(context.Background(), key)
	if !errors.Is(err, domain.ErrDataCorruption) {
		t.Fatalf("err = %v, want ErrDataCorruption", err)
	}
	if rec.Metrics.NumTrades != 3 {
		t.Errorf("partial metrics = %+v", rec.Metrics)
	}
	if rec.Trades.IsSome() {
		t.Error("trades should be absent")
	}
}

func TestEnsureIndicator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/indicators/AAA/rsi/14" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		io.WriteString(w, `{"computed":true}`)
	}))
	defer srv.Close()

	computed, err := NewClient(srv.URL).EnsureIndicator(context.Background(), "AAA", "rsi", 14)
	if err != nil || !computed {
		t.Errorf("EnsureIndicator = %v, %v", computed, err)
	}
}
