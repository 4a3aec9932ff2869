package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/croprisk/internal/models"
)

func TestClient_LatestSensedDay(t *testing.T) {
	v, srv := newFakeVendor(t)
	c := newTestClient(srv)
	ctx := context.Background()

	v.set(func(v *fakeVendor) { v.days = []string{"20240105", "20240115", "20231230"} })
	day, body, err := c.LatestSensedDay(ctx, "1701")
	require.NoError(t, err)
	assert.Equal(t, "20240115", day)
	assert.NotEmpty(t, body)
	assert.Equal(t, "Bearer test-key", v.lastAuth)
	assert.Equal(t, "1701", v.lastBody[EndpointSensedDays]["FieldID"])

	v.set(func(v *fakeVendor) { v.days = nil })
	day, _, err = c.LatestSensedDay(ctx, "1701")
	require.NoError(t, err)
	assert.Empty(t, day, "no days means not ready, not an error")
}

func TestClient_LatestSensedDay_IgnoresJunkKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"2024-02-01":{},"meta":{},"20240120":{}}`))
	}))
	t.Cleanup(srv.Close)

	day, _, err := newTestClient(srv).LatestSensedDay(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, "20240201", day)
}

func TestClient_LatestSensedDay_InvalidPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`["20240101"]`))
	}))
	t.Cleanup(srv.Close)

	_, _, err := newTestClient(srv).LatestSensedDay(context.Background(), "f1")
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestClient_IndexValues(t *testing.T) {
	v, srv := newFakeVendor(t)
	v.set(func(v *fakeVendor) {
		v.days = []string{"20240110"}
		v.ndmi = 21.5
	})

	values, body, err := newTestClient(srv).IndexValues(context.Background(), "f1", "2024-01-10")
	require.NoError(t, err)
	assert.NotEmpty(t, body)
	assert.Equal(t, 21.5, values.Get("ndmi"))
	assert.Equal(t, 0.62, values.Get("ndvi"))
	assert.Equal(t, models.MissingIndexValue, values.Get("soc"), "unreported indices use the sentinel")
	assert.Len(t, values, len(IndexTypes))
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"daily":[{"rain":12}]}`))
	}))
	t.Cleanup(srv.Close)

	w, _, err := newTestClient(srv).Weather(context.Background(), "f1")
	require.NoError(t, err)
	require.Len(t, w.Daily, 1)
	assert.Equal(t, 12.0, *w.Daily[0].Rain)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	_, _, err := newTestClient(srv).Weather(context.Background(), "f1")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_TimeoutIsPerCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	c := NewClient(ClientConfig{BaseURL: srv.URL, ResponseTime: 100 * time.Millisecond})
	start := time.Now()
	_, _, err := c.Weather(context.Background(), "f1")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_Advisory(t *testing.T) {
	v, srv := newFakeVendor(t)
	v.set(func(v *fakeVendor) { v.pest = "High" })
	c := newTestClient(srv)

	body, err := c.Advisory(context.Background(), "f1", "rice")
	require.NoError(t, err)
	assert.Contains(t, string(body), "potential_pests")
	assert.Equal(t, "rice", v.lastBody[EndpointAdvisory]["Crop"])

	errSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"crop not supported"}`))
	}))
	t.Cleanup(errSrv.Close)
	_, err = newTestClient(errSrv).Advisory(context.Background(), "f1", "kale")
	assert.ErrorContains(t, err, "crop not supported")
}

func TestClient_Imagery(t *testing.T) {
	v, srv := newFakeVendor(t)
	c := newTestClient(srv)

	urls, err := c.Imagery(context.Background(), "f1", "2024-01-10")
	require.NoError(t, err)
	assert.Len(t, urls, len(ImageTypes))
	assert.Equal(t, "https://img.example/ndvi/20240110.png", urls["ndvi"])
	assert.Equal(t, len(ImageTypes), v.callCount(EndpointFieldImage))
}

func TestClient_ImageryAllFailed(t *testing.T) {
	v, srv := newFakeVendor(t)
	v.set(func(v *fakeVendor) { v.status[EndpointFieldImage] = http.StatusNotFound })

	urls, err := newTestClient(srv).Imagery(context.Background(), "f1", "20240110")
	require.Error(t, err)
	assert.Empty(t, urls)

	var se *StatusError
	assert.True(t, errors.As(err, &se))
}
