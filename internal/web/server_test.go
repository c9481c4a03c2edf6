package web

import (
	"context"
	"image"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/face-recognizer/internal/config"
	"github.com/kozaktomas/face-recognizer/internal/database/mock"
	"github.com/kozaktomas/face-recognizer/internal/embedding"
	"github.com/kozaktomas/face-recognizer/internal/facematch"
	"github.com/kozaktomas/face-recognizer/internal/identity"
	"github.com/kozaktomas/face-recognizer/internal/recognizer"
)

type noFaces struct{}

func (noFaces) Detect(context.Context, image.Image) ([]facematch.Detection, error) {
	return []facematch.Detection{}, nil
}

func (noFaces) Embed(context.Context, image.Image, []facematch.Detection) (embedding.Result, error) {
	return embedding.Result{SourceDetectionIndex: -1, NoFace: true}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Defaults()
	cfg.Web.AllowedOrigins = []string{"https://faces.example.com"}
	store := identity.NewStore(mock.NewMockPersonRepository(), mock.NewMockVectorIndex(), identity.Options{Dimension: 4})
	return NewServer(cfg, recognizer.NewService(noFaces{}, noFaces{}, store), 0, "127.0.0.1")
}

func TestServerRoutes(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/v1/health", http.StatusOK},
		{http.MethodGet, "/api/v1/ready", http.StatusOK},
		{http.MethodGet, "/api/v1/persons", http.StatusOK},
		{http.MethodGet, "/api/v1/persons/7", http.StatusNotFound},
		{http.MethodDelete, "/api/v1/persons/7", http.StatusNotFound},
		{http.MethodPost, "/api/v1/reconcile?dry_run=true", http.StatusOK},
		{http.MethodGet, "/api/v1/unknown", http.StatusNotFound},
		{http.MethodPut, "/api/v1/persons", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			s.Router().ServeHTTP(recorder, httptest.NewRequest(tt.method, tt.path, nil))
			if recorder.Code != tt.want {
				t.Errorf("expected status %d, got %d: %s", tt.want, recorder.Code, recorder.Body.String())
			}
		})
	}
}

func TestServerMiddleware(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "https://faces.example.com")
	recorder := httptest.NewRecorder()
	s.Router().ServeHTTP(recorder, req)

	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "https://faces.example.com" {
		t.Errorf("expected CORS header for whitelisted origin, got %q", got)
	}
	if recorder.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}
}
