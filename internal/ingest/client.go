package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/lox/croprisk/internal/httputil"
	"github.com/lox/croprisk/internal/metrics"
	"github.com/lox/croprisk/internal/models"
)

const DefaultBaseURL = "https://us-central1-farmbase-b2f7e.cloudfunctions.net"

const (
	EndpointSensedDays  = "getSensedDays"
	EndpointIndexValues = "getAllIndexValues"
	EndpointAdvisory    = "askJeevnAPI"
	EndpointWeather     = "getPresentWeather"
	EndpointFieldImage  = "getFieldImage"
)

// IndexTypes are the vegetation and moisture indices read from getAllIndexValues.
var IndexTypes = []string{"rvi", "ndvi", "savi", "evi", "ndre", "rsm", "ndwi", "ndmi", "evapo", "soc", "etci"}

// ImageTypes are the heatmap layers requested for every new sensing day.
var ImageTypes = []string{
	"ndvi", "ndwi", "evapo", "ndmi", "evi", "rvi", "rsm", "ndre", "vari", "savi",
	"avi", "bsi", "si", "soc", "tci", "etci", "hybrid", "hybrid_blind", "dem", "lulc",
}

// ErrInvalidPayload marks a response that could not be decoded.
var ErrInvalidPayload = errors.New("invalid upstream payload")

// StatusError is a non-2xx response from the vendor.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// HTTPStatus extracts the response status from an upstream error, or 0.
func HTTPStatus(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

type ClientConfig struct {
	BaseURL      string
	APIKey       string
	ResponseTime time.Duration // base per-request budget
	RateLimit    float64       // requests per second, 0 for unlimited
	Logger       *slog.Logger
}

type Client struct {
	baseURL      string
	apiKey       string
	responseTime time.Duration
	http         *http.Client
	limiter      *rate.Limiter
	logger       *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ResponseTime <= 0 {
		cfg.ResponseTime = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(cfg.RateLimit)))
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		responseTime: cfg.ResponseTime,
		// The advisory endpoint gets three times the base budget.
		http:    httputil.NewClient(3*cfg.ResponseTime + 5*time.Second),
		limiter: limiter,
		logger:  cfg.Logger,
	}
}

// post sends a JSON body to an endpoint and returns the raw response. 429 and
// 5xx responses are retried until the per-call deadline of multiplier times
// the base response time.
func (c *Client) post(ctx context.Context, endpoint string, payload any, multiplier int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(multiplier)*c.responseTime)
	defer cancel()

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", endpoint, err)
	}
	url := c.baseURL + "/" + endpoint

	var body []byte
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("%s: rate limit wait: %w", endpoint, err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%s: build request: %w", endpoint, err))
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		start := time.Now()
		resp, err := c.http.Do(req)
		metrics.UpstreamLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.UpstreamCallsTotal.WithLabelValues(endpoint, "error").Inc()
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("%s: %w", endpoint, err))
			}
			return fmt.Errorf("%s: %w", endpoint, err)
		}
		defer resp.Body.Close()
		metrics.UpstreamCallsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			c.logger.Warn("upstream: retryable response", "endpoint", endpoint, "status", resp.StatusCode)
			return &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: string(b)}
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(&StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: string(b)})
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%s: read body: %w", endpoint, err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = time.Duration(multiplier) * c.responseTime
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

type fieldRequest struct {
	FieldID string `json:"FieldID"`
}

// LatestSensedDay returns the newest sensing day as YYYYMMDD, or "" if the
// vendor has no imagery for the field yet.
func (c *Client) LatestSensedDay(ctx context.Context, fieldID string) (string, []byte, error) {
	body, err := c.post(ctx, EndpointSensedDays, fieldRequest{FieldID: fieldID}, 1)
	if err != nil {
		return "", nil, err
	}

	days := gjson.ParseBytes(body)
	if !gjson.ValidBytes(body) || !days.IsObject() {
		return "", body, fmt.Errorf("%s: %w: expected an object keyed by day", EndpointSensedDays, ErrInvalidPayload)
	}

	var latest string
	days.ForEach(func(key, _ gjson.Result) bool {
		day := models.NormalizeSensedDay(key.String())
		if _, err := time.Parse(models.SensedDayLayout, day); err != nil {
			return true
		}
		if day > latest {
			latest = day
		}
		return true
	})
	return latest, body, nil
}

// IndexValues returns the value of every index in IndexTypes for day. Indices
// the vendor did not report are set to models.MissingIndexValue.
func (c *Client) IndexValues(ctx context.Context, fieldID, day string) (models.IndexValues, []byte, error) {
	body, err := c.post(ctx, EndpointIndexValues, fieldRequest{FieldID: fieldID}, 1)
	if err != nil {
		return nil, nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, body, fmt.Errorf("%s: %w", EndpointIndexValues, ErrInvalidPayload)
	}

	day = models.NormalizeSensedDay(day)
	values := make(models.IndexValues, len(IndexTypes))
	for _, index := range IndexTypes {
		v := gjson.GetBytes(body, index+"."+day)
		if v.Type == gjson.Number {
			values[index] = v.Float()
		} else {
			values[index] = models.MissingIndexValue
		}
	}
	return values, body, nil
}

type advisoryRequest struct {
	Crop    string `json:"Crop"`
	FieldID string `json:"FieldID"`
}

// Advisory returns the raw AI advisory payload for the field's crop.
func (c *Client) Advisory(ctx context.Context, fieldID, crop string) ([]byte, error) {
	body, err := c.post(ctx, EndpointAdvisory, advisoryRequest{Crop: crop, FieldID: fieldID}, 3)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return body, fmt.Errorf("%s: %w", EndpointAdvisory, ErrInvalidPayload)
	}
	if msg := gjson.GetBytes(body, "error"); msg.Exists() {
		return body, fmt.Errorf("%s: upstream error: %s", EndpointAdvisory, msg.String())
	}
	return body, nil
}

// Weather returns the field's present weather and daily forecast.
func (c *Client) Weather(ctx context.Context, fieldID string) (models.WeatherForecast, []byte, error) {
	var forecast models.WeatherForecast
	body, err := c.post(ctx, EndpointWeather, fieldRequest{FieldID: fieldID}, 1)
	if err != nil {
		return forecast, nil, err
	}
	if err := json.Unmarshal(body, &forecast); err != nil {
		return models.WeatherForecast{}, body, fmt.Errorf("%s: %w: %v", EndpointWeather, ErrInvalidPayload, err)
	}
	return forecast, body, nil
}

type imageRequest struct {
	FieldID   string `json:"FieldID"`
	ImageType string `json:"ImageType"`
	SensedDay string `json:"SensedDay"`
}

// Imagery requests every image type for day concurrently and returns the URLs
// that came back. It fails only when no image type succeeded.
func (c *Client) Imagery(ctx context.Context, fieldID, day string) (map[string]string, error) {
	day = models.NormalizeSensedDay(day)

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		urls = make(map[string]string, len(ImageTypes))
		errs []error
	)
	for _, imageType := range ImageTypes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, err := c.post(ctx, EndpointFieldImage, imageRequest{FieldID: fieldID, ImageType: imageType, SensedDay: day}, 1)
			if err == nil {
				if u := gjson.GetBytes(body, "url"); u.Type == gjson.String && u.Str != "" {
					mu.Lock()
					urls[imageType] = u.Str
					mu.Unlock()
					return
				}
				err = fmt.Errorf("%s %s: %w: missing url", EndpointFieldImage, imageType, ErrInvalidPayload)
			}
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		c.logger.Warn("upstream: some image types failed",
			"field_id", fieldID, "day", day, "failed", len(errs), "ok", len(urls))
	}
	if len(urls) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return urls, nil
}
