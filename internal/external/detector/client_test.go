package detector

import (
	"context"
	"errors"
	"io"
	"medtrace/pkg/domain"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDetectParsesDetections(t *testing.T) {
	var gotImage []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/verify" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		file, _, err := r.FormFile("image")
		if err != nil {
			t.Errorf("form file: %v", err)
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		gotImage, _ = io.ReadAll(file)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"success","result":"COUNTERFEIT","confidence":0.7,"detections":[
			{"bbox":[1,2,3,4],"yolo_label":"box","yolo_confidence":0.9,"cnn_label":"fake","cnn_confidence":0.7,"result":"COUNTERFEIT"},
			{"yolo_label":"box","yolo_confidence":0.8,"cnn_label":"real","cnn_confidence":0.95,"result":"genuine"}]}`)
	}))
	defer srv.Close()

	c, err := New(srv.URL + "/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	dets, err := c.Detect(context.Background(), []byte("jpeg-bytes"))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if string(gotImage) != "jpeg-bytes" {
		t.Fatalf("server received %q", gotImage)
	}
	if len(dets) != 2 {
		t.Fatalf("expected 2 detections, got %d", len(dets))
	}
	if dets[0].BBox.X2 != 3 || dets[0].Result != domain.ResultCounterfeit || dets[0].ClassifierLabel != "fake" {
		t.Fatalf("unexpected first detection %+v", dets[0])
	}
	if dets[1].Result != domain.ResultGenuine || dets[1].DetectorConfidence != 0.8 {
		t.Fatalf("unexpected second detection %+v", dets[1])
	}
}

func TestDetectEmptyDetections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"status":"success","detections":[]}`)
	}))
	defer srv.Close()
	c, _ := New(srv.URL)
	dets, err := c.Detect(context.Background(), []byte("x"))
	if err != nil || len(dets) != 0 {
		t.Fatalf("expected empty detections, got %v %v", dets, err)
	}
}

func TestDetectFailuresAreExternalServiceErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		},
		"payload error": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `{"status":"error","message":"model not loaded"}`)
		},
		"malformed": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `{"detections":`)
		},
		"bad result": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `{"detections":[{"result":"MAYBE"}]}`)
		},
		"bad bbox": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `{"detections":[{"result":"GENUINE","bbox":[1,2]}]}`)
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			c, _ := New(srv.URL)
			_, err := c.Detect(context.Background(), []byte("x"))
			var ext domain.ExternalServiceError
			if !errors.As(err, &ext) || ext.Service != ServiceName {
				t.Fatalf("expected external service error, got %v", err)
			}
		})
	}
}

func TestDetectTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)
	c, _ := New(srv.URL, WithTimeout(50*time.Millisecond), WithHTTPClient(srv.Client()))
	_, err := c.Detect(context.Background(), []byte("x"))
	var ext domain.ExternalServiceError
	if !errors.As(err, &ext) || !ext.Timeout() {
		t.Fatalf("expected timeout external error, got %v", err)
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New(" "); err == nil {
		t.Fatalf("expected url error")
	}
}
