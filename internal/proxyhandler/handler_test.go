package proxyhandler

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mtreilly/ratelimitproxy/internal/admission"
	"github.com/mtreilly/ratelimitproxy/internal/apierrors"
	"github.com/mtreilly/ratelimitproxy/internal/headeringest"
	"github.com/mtreilly/ratelimitproxy/internal/route"
)

type fakeAdmitter struct {
	admitted *admission.Admitted
	err      *apierrors.Error
}

func (f *fakeAdmitter) Admit(ctx context.Context, identity, routeID string, isInteraction bool) (*admission.Admitted, *apierrors.Error) {
	return f.admitted, f.err
}

type fakeForwarder struct {
	statusCode int
	respBody   []byte
	respHeader http.Header
	err        error
}

func (f *fakeForwarder) Forward(ctx context.Context, method, path string, headers http.Header, body []byte) (*http.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	h := f.respHeader
	if h == nil {
		h = http.Header{}
	}
	return &http.Response{
		StatusCode: f.statusCode,
		Header:     h,
		Body:       io.NopCloser(bytes.NewReader(f.respBody)),
	}, nil
}

type fakeIngestor struct {
	calls int
}

func (f *fakeIngestor) Ingest(ctx context.Context, req headeringest.Request, statusCode int, headers http.Header, now time.Time) error {
	f.calls++
	return nil
}

func newRequest(method, path, auth string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	return req
}

func TestServeHTTPMissingAuthIs401(t *testing.T) {
	h := New(Config{Classifier: route.New(16), Admitter: &fakeAdmitter{}, Forwarder: &fakeForwarder{}, Ingestor: &fakeIngestor{}})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, newRequest(http.MethodGet, "/api/v10/users/@me", ""))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if w.Header().Get("X-Sent-By-Proxy") != "true" {
		t.Fatal("expected X-Sent-By-Proxy header")
	}
}

func TestServeHTTPNonAPIPathIs404(t *testing.T) {
	h := New(Config{Classifier: route.New(16)})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, newRequest(http.MethodGet, "/healthz", ""))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestServeHTTPForwardsOnAdmit(t *testing.T) {
	forwarder := &fakeForwarder{statusCode: 200, respBody: []byte(`{"id":"1"}`), respHeader: http.Header{"X-RateLimit-Limit": {"50"}}}
	ingestor := &fakeIngestor{}
	h := New(Config{
		Classifier: route.New(16),
		Admitter:   &fakeAdmitter{admitted: &admission.Admitted{LockToken: "tok"}},
		Forwarder:  forwarder,
		Ingestor:   ingestor,
	})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, newRequest(http.MethodGet, "/api/v10/users/@me", "Bot T"))

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != `{"id":"1"}` {
		t.Fatalf("body = %q", w.Body.String())
	}
	if ingestor.calls != 1 {
		t.Fatalf("ingestor.calls = %d, want 1", ingestor.calls)
	}
}

func TestServeHTTPRejectedGlobalIs429WithRetryAfter(t *testing.T) {
	h := New(Config{
		Classifier: route.New(16),
		Admitter:   &fakeAdmitter{err: &apierrors.Error{Kind: apierrors.KindRejectedGlobal, RetryAfter: 800 * time.Millisecond}},
		Forwarder:  &fakeForwarder{},
		Ingestor:   &fakeIngestor{},
	})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, newRequest(http.MethodGet, "/api/v10/users/@me", "Bot T"))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if w.Header().Get("X-Sent-By-Proxy") != "true" {
		t.Fatal("expected X-Sent-By-Proxy header")
	}
}

func TestServeHTTPAbortGateIs503(t *testing.T) {
	h := New(Config{
		Classifier: route.New(16),
		Admitter:   &fakeAdmitter{err: apierrors.AbortGateOpen},
		Forwarder:  &fakeForwarder{},
		Ingestor:   &fakeIngestor{},
	})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, newRequest(http.MethodGet, "/api/v10/users/@me", "Bot T"))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestServeHTTPUpstream429AddsSentByProxyHeader(t *testing.T) {
	forwarder := &fakeForwarder{statusCode: 429, respBody: []byte(`rate limited`), respHeader: http.Header{"X-RateLimit-Global": {"true"}}}
	h := New(Config{
		Classifier: route.New(16),
		Admitter:   &fakeAdmitter{admitted: &admission.Admitted{LockToken: "tok"}},
		Forwarder:  forwarder,
		Ingestor:   &fakeIngestor{},
	})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, newRequest(http.MethodGet, "/api/v10/users/@me", "Bot T"))

	if w.Code != 429 {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("X-Sent-By-Proxy") != "true" {
		t.Fatal("expected X-Sent-By-Proxy on a forwarded upstream 429")
	}
}
