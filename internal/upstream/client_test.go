package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestForwardRelaysMethodPathAndBody(t *testing.T) {
	var gotMethod, gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.Forward(context.Background(), http.MethodPost, "/api/v10/channels/1/messages", http.Header{"Content-Type": {"application/json"}}, []byte(`{"content":"hi"}`))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	defer resp.Body.Close()

	if gotMethod != http.MethodPost {
		t.Fatalf("method = %q, want POST", gotMethod)
	}
	if gotPath != "/api/v10/channels/1/messages" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotBody != `{"content":"hi"}` {
		t.Fatalf("body = %q", gotBody)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
}

func TestForwardStripsHopByHopHeaders(t *testing.T) {
	var gotConnection string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotConnection = r.Header.Get("Connection")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	h := http.Header{"Connection": {"keep-alive"}, "Authorization": {"Bot abc"}}
	resp, err := c.Forward(context.Background(), http.MethodGet, "/api/v10/users/@me", h, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	defer resp.Body.Close()

	if gotConnection != "" {
		t.Fatalf("Connection header leaked through: %q", gotConnection)
	}
}

func TestUseWrapsMiddlewareInFIFOOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var order []string
	mw := func(name string) Middleware {
		return func(next RequestHandler) RequestHandler {
			return func(req *Request) (*http.Response, error) {
				order = append(order, name)
				return next(req)
			}
		}
	}

	c := New(srv.URL)
	c.Use(mw("outer"), mw("inner"))

	resp, err := c.Forward(context.Background(), http.MethodGet, "/x", nil, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	defer resp.Body.Close()

	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("order = %v, want [outer inner]", order)
	}
}
