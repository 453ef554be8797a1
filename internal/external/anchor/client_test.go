package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"medtrace/pkg/domain"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAnchorRoundTrip(t *testing.T) {
	var got domain.AnchorRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/record" || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.URL.Path, r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = io.WriteString(w, `{"tx_hash":"0xabc","block":42,"verification_id":7}`)
	}))
	defer srv.Close()
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	c, err := New(srv.URL, WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a, err := c.Anchor(context.Background(), domain.AnchorRequest{ContentHash: "h1", Result: domain.ResultGenuine, Confidence: 0.9})
	if err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if a.TxHash != "0xabc" || a.BlockHeight != 42 || !a.AnchoredAt.Equal(fixed) {
		t.Fatalf("unexpected anchor %+v", a)
	}
	if got.ContentHash != "h1" || got.Result != domain.ResultGenuine {
		t.Fatalf("unexpected request body %+v", got)
	}
}

func TestAnchorFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"error":"node unreachable"}`)
		},
		"missing tx": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `{"block":1}`)
		},
		"garbage": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `not json`)
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			c, _ := New(srv.URL)
			_, err := c.Anchor(context.Background(), domain.AnchorRequest{ContentHash: "h"})
			var ext domain.ExternalServiceError
			if !errors.As(err, &ext) || ext.Service != ServiceName {
				t.Fatalf("expected external service error, got %v", err)
			}
		})
	}
}

func TestAnchorUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c, _ := New(url, WithTimeout(time.Second))
	if _, err := c.Anchor(context.Background(), domain.AnchorRequest{ContentHash: "h"}); err == nil {
		t.Fatalf("expected transport error")
	}
	if _, err := New(""); err == nil {
		t.Fatalf("expected url error")
	}
}
