package ipfs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// testClient returns a Client aimed at the given API and gateway servers
// with fast retries and an effectively unlimited rate.
func testClient(apiURL, gatewayURL string) *Client {
	cfg := DefaultConfig()
	cfg.APIURL = apiURL
	cfg.GatewayURL = gatewayURL
	cfg.JWT = "test-token"
	cfg.RatePerMinute = 100000
	cfg.Timeout = 5 * time.Second
	cfg.MaxRetries = 3
	cfg.RetryBase = time.Millisecond
	return New(cfg, nil)
}

func TestPinJSON_Success(t *testing.T) {
	var gotAuth string
	var gotReq pinRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/pinning/pinJSONToIPFS" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(pinResponse{IpfsHash: "QmPinned"})
	}))
	defer srv.Close()

	c := testClient(srv.URL, srv.URL)
	cid, err := c.PinJSON(context.Background(), map[string]string{"hello": "world"}, "invoice-7.json")
	if err != nil {
		t.Fatalf("PinJSON: %v", err)
	}
	if cid != "QmPinned" {
		t.Errorf("cid = %q, want QmPinned", cid)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotReq.PinataMetadata.Name != "invoice-7.json" {
		t.Errorf("pin name = %q", gotReq.PinataMetadata.Name)
	}
	if gotReq.PinataMetadata.Keyvalues["timestamp"] == "" || gotReq.PinataMetadata.Keyvalues["size"] == "" {
		t.Errorf("upload not tagged with timestamp/size: %v", gotReq.PinataMetadata.Keyvalues)
	}
}

func TestPinJSON_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(pinResponse{IpfsHash: "QmEventually"})
	}))
	defer srv.Close()

	c := testClient(srv.URL, srv.URL)
	cid, err := c.PinJSON(context.Background(), []byte(`{"a":1}`), "retry.json")
	if err != nil {
		t.Fatalf("PinJSON: %v", err)
	}
	if cid != "QmEventually" {
		t.Errorf("cid = %q", cid)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestPinJSON_PermanentOn4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad payload", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := testClient(srv.URL, srv.URL)
	_, err := c.PinJSON(context.Background(), []byte(`{}`), "bad.json")

	var perm *PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("err = %v, want PermanentError", err)
	}
	if perm.Status != http.StatusUnprocessableEntity {
		t.Errorf("status = %d", perm.Status)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent)", n)
	}
	if IsRetryable(err) {
		t.Error("permanent error classified retryable")
	}
}

func TestPinJSON_RateLimitRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(pinResponse{IpfsHash: "QmAfter429"})
	}))
	defer srv.Close()

	c := testClient(srv.URL, srv.URL)
	cid, err := c.PinJSON(context.Background(), []byte(`{}`), "x.json")
	if err != nil {
		t.Fatalf("PinJSON: %v", err)
	}
	if cid != "QmAfter429" {
		t.Errorf("cid = %q", cid)
	}
}

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ipfs/QmKnown":
			w.Write([]byte(`{"cids":["QmA"]}`))
		case "/ipfs/QmMissing":
			http.NotFound(w, r)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := testClient(srv.URL, srv.URL)

	got, err := c.GetJSON(context.Background(), "QmKnown")
	if err != nil {
		t.Fatalf("GetJSON known: %v", err)
	}
	if string(got) != `{"cids":["QmA"]}` {
		t.Errorf("body = %s", got)
	}

	got, err = c.GetJSON(context.Background(), "QmMissing")
	if err != nil {
		t.Fatalf("GetJSON missing: %v", err)
	}
	if got != nil {
		t.Errorf("missing content returned body %s, want nil", got)
	}

	if _, err = c.GetJSON(context.Background(), "QmBroken"); err == nil {
		t.Error("5xx gateway response must surface an error")
	}
}

func TestIsPinned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("hashContains") == "QmPinned" {
			json.NewEncoder(w).Encode(pinListResponse{Count: 1})
			return
		}
		json.NewEncoder(w).Encode(pinListResponse{Count: 0})
	}))
	defer srv.Close()

	c := testClient(srv.URL, srv.URL)

	pinned, err := c.IsPinned(context.Background(), "QmPinned")
	if err != nil {
		t.Fatalf("IsPinned: %v", err)
	}
	if !pinned {
		t.Error("QmPinned reported unpinned")
	}

	pinned, err = c.IsPinned(context.Background(), "QmOther")
	if err != nil {
		t.Fatalf("IsPinned: %v", err)
	}
	if pinned {
		t.Error("QmOther reported pinned")
	}
}

func TestRateLimiter_CancellationReleasesWait(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RatePerMinute = 1 // one token; second call must block
	cfg.MaxRetries = 1
	cfg.RetryBase = time.Millisecond
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pinResponse{IpfsHash: "QmOne"})
	}))
	defer srv.Close()
	cfg.APIURL = srv.URL
	cfg.GatewayURL = srv.URL
	c := New(cfg, nil)

	if _, err := c.PinJSON(context.Background(), []byte(`{}`), "first.json"); err != nil {
		t.Fatalf("first pin: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.PinJSON(ctx, []byte(`{}`), "second.json")
	if err == nil {
		t.Fatal("second pin should block on the rate limiter and be cancelled")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancelled wait took %v, expected prompt unwind", elapsed)
	}
}
