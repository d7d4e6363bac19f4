// Package fetcher pulls raw station records from the environmental
// agency's open-data API. It performs no retries; callers own that policy.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/types"
)

const (
	realtimeDataset = "aqx_p_13"
	catalogDataset  = "aqx_p_07"
)

type Config struct {
	BaseURL   string
	APIKey    string
	PageLimit int
	MaxPages  int
	Timeout   time.Duration
}

type Fetcher interface {
	FetchAll(ctx context.Context) ([]types.RawRecord, error)
	FetchStations(ctx context.Context) ([]types.RawRecord, error)
}

type epaFetcher struct {
	client  *resty.Client
	breaker *gobreaker.CircuitBreaker
	cfg     Config
	logger  *slog.Logger
}

func New(cfg Config, logger *slog.Logger) Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 1000
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "epa-provider",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &epaFetcher{client: client, breaker: breaker, cfg: cfg, logger: logger}
}

func (f *epaFetcher) FetchAll(ctx context.Context) ([]types.RawRecord, error) {
	return f.fetchDataset(ctx, realtimeDataset)
}

func (f *epaFetcher) FetchStations(ctx context.Context) ([]types.RawRecord, error) {
	return f.fetchDataset(ctx, catalogDataset)
}

func (f *epaFetcher) fetchDataset(ctx context.Context, dataset string) ([]types.RawRecord, error) {
	var out []types.RawRecord
	for page := 0; page < f.cfg.MaxPages; page++ {
		records, err := f.fetchPage(ctx, dataset, page*f.cfg.PageLimit)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
		if len(records) < f.cfg.PageLimit {
			break
		}
	}
	f.logger.Debug("provider dataset fetched", "dataset", dataset, "records", len(out))
	return out, nil
}

func (f *epaFetcher) fetchPage(ctx context.Context, dataset string, offset int) ([]types.RawRecord, error) {
	result, err := f.breaker.Execute(func() (interface{}, error) {
		resp, err := f.client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"api_key": f.cfg.APIKey,
				"limit":   strconv.Itoa(f.cfg.PageLimit),
				"offset":  strconv.Itoa(offset),
				"format":  "json",
			}).
			Get("/" + dataset)
		if err != nil {
			return nil, &FetchError{Kind: KindNetwork, Err: stripRequestURL(dataset, err)}
		}
		if ferr := classifyStatus(resp.StatusCode()); ferr != nil {
			return nil, ferr
		}
		return decodeRecords(resp.Body())
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &FetchError{Kind: KindNetwork, Err: fmt.Errorf("circuit open: %w", err)}
		}
		var ferr *FetchError
		if errors.As(err, &ferr) {
			return nil, ferr
		}
		return nil, &FetchError{Kind: KindNetwork, Err: stripRequestURL(dataset, err)}
	}
	return result.([]types.RawRecord), nil
}

// stripRequestURL drops the request URL, which carries api_key, from
// transport errors. The inner error stays wrapped for errors.Is.
func stripRequestURL(dataset string, err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s /%s: %w", uerr.Op, dataset, uerr.Err)
	}
	return err
}

func classifyStatus(code int) *FetchError {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &FetchError{Kind: KindAuthFailure, Status: code}
	case code == http.StatusTooManyRequests:
		return &FetchError{Kind: KindRateLimited, Status: code}
	default:
		return &FetchError{Kind: KindProviderError, Status: code}
	}
}

// decodeRecords accepts either a bare JSON array of records or the
// provider's {"records": [...]} envelope.
func decodeRecords(body []byte) ([]types.RawRecord, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, &FetchError{Kind: KindProviderError, Err: errors.New("empty body")}
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	switch trimmed[0] {
	case '[':
		var records []types.RawRecord
		if err := dec.Decode(&records); err != nil {
			return nil, &FetchError{Kind: KindProviderError, Err: fmt.Errorf("decode records: %w", err)}
		}
		return records, nil
	case '{':
		var envelope struct {
			Records *[]types.RawRecord `json:"records"`
		}
		if err := dec.Decode(&envelope); err != nil {
			return nil, &FetchError{Kind: KindProviderError, Err: fmt.Errorf("decode envelope: %w", err)}
		}
		if envelope.Records == nil {
			return nil, &FetchError{Kind: KindProviderError, Err: errors.New("envelope has no records")}
		}
		return *envelope.Records, nil
	default:
		return nil, &FetchError{Kind: KindProviderError, Err: fmt.Errorf("unexpected body starting with %q", trimmed[0])}
	}
}
