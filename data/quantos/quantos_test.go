package quantos

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/freemoses/tpro/config"
)

func testClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(&config.QuantOSConfig{Server: srv.URL, User: "u", Token: "tk"}, 3)
}

func writeData(w http.ResponseWriter, data any) {
	_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": data})
}

func TestLoginSetsSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var args map[string]any
		_ = json.NewDecoder(r.Body).Decode(&args)
		if args["username"] != "u" || args["token"] != "tk" {
			t.Errorf("credentials not forwarded: %v", args)
		}
		writeData(w, map[string]any{"session": "sess-1"})
	})
	var gotAuth string
	mux.HandleFunc("/jsd/daily", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		writeData(w, []any{})
	})
	c := testClient(t, mux)
	ctx := context.Background()
	if err := c.Login(ctx); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := c.FetchDayBars(ctx, "000001.SZ", 20260105, 20260106); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if gotAuth != "sess-1" {
		t.Fatalf("session not carried: %q", gotAuth)
	}
}

func TestFetchDayBars(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/jsd/daily", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, []map[string]any{
			{"trade_date": 20260105, "open": 10.0, "high": 10.3, "low": 9.9,
				"close": 10.2, "preclose": 10.0, "volume": 100000.0, "turnover": 1020000.0},
		})
	})
	c := testClient(t, mux)
	rows, err := c.FetchDayBars(context.Background(), "000001.SZ", 20260105, 20260105)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("want 1 row, got %d", len(rows))
	}
	if rows[0].Date != 20260105 || rows[0].Preclose != 10.0 {
		t.Fatalf("bad row: %+v", rows[0])
	}
}

func TestFetchMinuteBarsRetriesDirtyPage(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/jsi/bar", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			// dirty page: zero close mid-rebuild
			writeData(w, []map[string]any{
				{"date": 20260105, "time": 93100, "close": 0.0},
			})
			return
		}
		writeData(w, []map[string]any{
			{"date": 20260105, "time": 93100, "close": 10.1},
		})
	})
	c := testClient(t, mux)
	rows, err := c.FetchMinuteBars(context.Background(), "000001.SZ", 20260105)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if calls != 3 {
		t.Fatalf("want 3 attempts, got %d", calls)
	}
	if len(rows) != 1 || rows[0].Close != 10.1 {
		t.Fatalf("clean page not returned: %+v", rows)
	}
}

func TestFetchMinuteBarsKeepsDirtyAfterRetries(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/jsi/bar", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, []map[string]any{
			{"date": 20260105, "time": 93100, "close": 0.0},
			{"date": 20260105, "time": 93200, "close": 10.2},
		})
	})
	c := testClient(t, mux)
	rows, err := c.FetchMinuteBars(context.Background(), "000001.SZ", 20260105)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("dirty page must still come back: %+v", rows)
	}
	if rows[0].Close != 0 {
		t.Fatal("dirty rows stay dirty for the repair pass")
	}
}

func TestApiCodeError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/jset/query", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": -1000, "msg": "no privilege"})
	})
	c := testClient(t, mux)
	if _, err := c.FetchAdjFactor(context.Background(), "000001.SZ", 20260101, 20260131); err == nil {
		t.Fatal("non-zero code must surface as error")
	}
}
