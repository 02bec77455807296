// Package ipfs implements the pinning-service client used by the anchoring
// pipeline: pin JSON documents, fetch them back through a gateway, and query
// pin status. Calls are rate limited by a continuously replenishing token
// bucket and retried with exponential backoff plus jitter; 4xx responses
// (other than 429) are permanent failures.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/invanchor/invanchor/log"
	"github.com/invanchor/invanchor/retry"
)

// Config holds pinning-service settings. Authentication is an opaque bearer
// token; the kernel never inspects it.
type Config struct {
	// APIURL is the pinning API base, e.g. https://api.pinata.cloud.
	APIURL string
	// GatewayURL is the read gateway base; content is fetched from
	// {GatewayURL}/ipfs/{cid}.
	GatewayURL string
	// JWT is the bearer token for the pinning API.
	JWT string
	// RatePerMinute caps pinning-service calls; tokens replenish
	// continuously rather than in per-minute windows.
	RatePerMinute int
	// Timeout bounds each HTTP request.
	Timeout time.Duration
	// MaxRetries is the attempt budget for retryable failures.
	MaxRetries int
	// RetryBase is the backoff base delay.
	RetryBase time.Duration
}

// DefaultConfig returns a Config with sensible defaults (Pinata endpoints,
// 60 calls/minute, 30 s request timeout, 3 attempts at 1 s base).
func DefaultConfig() Config {
	return Config{
		APIURL:        "https://api.pinata.cloud",
		GatewayURL:    "https://gateway.pinata.cloud",
		RatePerMinute: 60,
		Timeout:       30 * time.Second,
		MaxRetries:    3,
		RetryBase:     time.Second,
	}
}

// Client talks to the pinning service and gateway.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	policy  retry.Policy
	logger  *log.Logger
}

// New creates a Client. A nil logger falls back to the package default.
func New(cfg Config, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	perMin := cfg.RatePerMinute
	if perMin <= 0 {
		perMin = 60
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin),
		policy: retry.Policy{
			MaxAttempts: cfg.MaxRetries,
			Base:        cfg.RetryBase,
			Retryable:   IsRetryable,
		},
		logger: logger.Module("ipfs"),
	}
}

// pinRequest is the pinJSONToIPFS payload. The metadata keyvalues tag every
// upload with its timestamp and byte size.
type pinRequest struct {
	PinataMetadata pinMetadata     `json:"pinataMetadata"`
	PinataContent  json.RawMessage `json:"pinataContent"`
}

type pinMetadata struct {
	Name      string            `json:"name"`
	Keyvalues map[string]string `json:"keyvalues"`
}

type pinResponse struct {
	IpfsHash string `json:"IpfsHash"`
}

// PinJSON pins content under the given name and returns its CID. Content is
// either raw JSON bytes or any JSON-marshalable value.
func (c *Client) PinJSON(ctx context.Context, content any, name string) (string, error) {
	var raw json.RawMessage
	switch v := content.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = json.RawMessage(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", &PermanentError{Err: fmt.Errorf("marshal content: %w", err)}
		}
		raw = b
	}

	body, err := json.Marshal(pinRequest{
		PinataMetadata: pinMetadata{
			Name: name,
			Keyvalues: map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
				"size":      fmt.Sprintf("%d", len(raw)),
			},
		},
		PinataContent: raw,
	})
	if err != nil {
		return "", &PermanentError{Err: err}
	}

	var cid string
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		resp, err := c.do(ctx, http.MethodPost, c.cfg.APIURL+"/pinning/pinJSONToIPFS", body)
		if err != nil {
			return err
		}
		var pr pinResponse
		if err := json.Unmarshal(resp, &pr); err != nil {
			return &PermanentError{Err: fmt.Errorf("decode pin response: %w", err)}
		}
		if pr.IpfsHash == "" {
			return &PermanentError{Err: fmt.Errorf("pin response missing IpfsHash")}
		}
		cid = pr.IpfsHash
		return nil
	})
	if err != nil {
		return "", err
	}
	c.logger.Debug("pinned", "name", name, "cid", cid, "size", len(raw))
	return cid, nil
}

// GetJSON fetches pinned content through the gateway. It returns (nil, nil)
// on 4xx (content unknown to the gateway) and a retryable error on 5xx.
func (c *Client) GetJSON(ctx context.Context, cid string) ([]byte, error) {
	var out []byte
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			strings.TrimRight(c.cfg.GatewayURL, "/")+"/ipfs/"+cid, nil)
		if err != nil {
			return &PermanentError{Err: err}
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return &RetryableError{Err: err}
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			b, err := io.ReadAll(resp.Body)
			if err != nil {
				return &RetryableError{Err: err}
			}
			out = b
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			out = nil
			return nil
		default:
			return &RetryableError{Status: resp.StatusCode, Err: fmt.Errorf("gateway status %s", resp.Status)}
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// pinListResponse is the subset of the pin list reply the client reads.
type pinListResponse struct {
	Count int `json:"count"`
}

// IsPinned reports whether the CID is currently pinned.
func (c *Client) IsPinned(ctx context.Context, cid string) (bool, error) {
	var pinned bool
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		resp, err := c.do(ctx, http.MethodGet,
			c.cfg.APIURL+"/data/pinList?status=pinned&hashContains="+cid, nil)
		if err != nil {
			return err
		}
		var pl pinListResponse
		if err := json.Unmarshal(resp, &pl); err != nil {
			return &PermanentError{Err: fmt.Errorf("decode pin list: %w", err)}
		}
		pinned = pl.Count > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return pinned, nil
}

// do performs one authenticated API request and classifies the response per
// the error taxonomy: 2xx returns the body, 5xx and 429 are retryable,
// remaining 4xx are permanent.
func (c *Client) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, &PermanentError{Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.JWT != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.JWT)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RetryableError{Err: err}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RetryableError{Status: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return b, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &RetryableError{Status: resp.StatusCode, Err: fmt.Errorf("pin service: %s", strings.TrimSpace(string(b)))}
	default:
		return nil, &PermanentError{Status: resp.StatusCode, Err: fmt.Errorf("pin service: %s", strings.TrimSpace(string(b)))}
	}
}
