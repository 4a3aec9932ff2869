package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/lox/croprisk/internal/store"
)

// fakeVendor serves the sensing vendor's POST endpoints from in-memory state.
type fakeVendor struct {
	mu       sync.Mutex
	days     []string
	ndmi     float64
	rain     float64
	pest     string
	status   map[string]int
	calls    map[string]int
	lastAuth string
	lastBody map[string]map[string]string
}

func newFakeVendor(t *testing.T) (*fakeVendor, *httptest.Server) {
	t.Helper()
	v := &fakeVendor{
		ndmi:     55,
		rain:     5,
		pest:     "low",
		status:   make(map[string]int),
		calls:    make(map[string]int),
		lastBody: make(map[string]map[string]string),
	}
	srv := httptest.NewServer(v)
	t.Cleanup(srv.Close)
	return v, srv
}

func (v *fakeVendor) set(fn func(v *fakeVendor)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fn(v)
}

func (v *fakeVendor) callCount(endpoint string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[endpoint]
}

func (v *fakeVendor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.TrimPrefix(r.URL.Path, "/")

	var body map[string]string
	json.NewDecoder(r.Body).Decode(&body)

	v.mu.Lock()
	v.calls[endpoint]++
	v.lastAuth = r.Header.Get("Authorization")
	v.lastBody[endpoint] = body
	status := v.status[endpoint]
	days := append([]string(nil), v.days...)
	ndmi, rain, pest := v.ndmi, v.rain, v.pest
	v.mu.Unlock()

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if status != 0 {
		w.WriteHeader(status)
		w.Write([]byte(`{"error":"forced"}`))
		return
	}

	sort.Strings(days)
	latest := ""
	if len(days) > 0 {
		latest = days[len(days)-1]
	}

	var resp any
	switch endpoint {
	case EndpointSensedDays:
		out := map[string]any{}
		for _, d := range days {
			out[d] = map[string]any{"cloud": 0}
		}
		resp = out
	case EndpointIndexValues:
		resp = map[string]any{
			"ndmi": map[string]float64{latest: ndmi},
			"ndvi": map[string]float64{latest: 0.62},
		}
	case EndpointAdvisory:
		resp = map[string]any{
			"advisory": map[string]any{
				"Pest and Disease": map[string]any{
					"potential_pests": []map[string]string{{"name": "aphid", "probability": pest}},
				},
			},
		}
	case EndpointWeather:
		resp = map[string]any{
			"daily": []map[string]any{
				{"dt": time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC).Unix(), "summary": "rain", "rain": rain,
					"temp": map[string]float64{"min": 21, "max": 29}, "humidity": 80, "pop": 0.9},
			},
		}
	case EndpointFieldImage:
		resp = map[string]string{"url": "https://img.example/" + body["ImageType"] + "/" + body["SensedDay"] + ".png"}
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(ClientConfig{
		BaseURL:      srv.URL,
		APIKey:       "test-key",
		ResponseTime: 2 * time.Second,
	})
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db, nil)
	require.NoError(t, st.Migrate(context.Background()))
	return st
}
