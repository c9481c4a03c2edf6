package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-recognizer/internal/database/mock"
	"github.com/kozaktomas/face-recognizer/internal/embedding"
	"github.com/kozaktomas/face-recognizer/internal/facematch"
	"github.com/kozaktomas/face-recognizer/internal/identity"
	"github.com/kozaktomas/face-recognizer/internal/recognizer"
)

// stubDetector reports one face unless the image is black.
type stubDetector struct {
	err error
}

func (d *stubDetector) Detect(_ context.Context, img image.Image) ([]facematch.Detection, error) {
	if d.err != nil {
		return nil, d.err
	}
	r, g, b, _ := img.At(0, 0).RGBA()
	if r == 0 && g == 0 && b == 0 {
		return []facematch.Detection{}, nil
	}
	return []facematch.Detection{{BBox: [4]float64{1, 1, 6, 6}, Confidence: 0.9}}, nil
}

// stubEmbedder maps the red value of the top-left pixel to a one-hot vector.
type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, img image.Image, dets []facematch.Detection) (embedding.Result, error) {
	if len(dets) == 0 {
		return embedding.Result{SourceDetectionIndex: -1, NoFace: true}, nil
	}
	r, _, _, _ := img.At(0, 0).RGBA()
	v := make([]float32, 4)
	v[int(r>>8)%4] = 1
	return embedding.Result{Vector: v, SourceDetectionIndex: 0}, nil
}

type testEnv struct {
	handler *FacesHandler
	router  *chi.Mux
	service *recognizer.Service
	persons *mock.MockPersonRepository
	vectors *mock.MockVectorIndex
}

// newTestEnv wires a FacesHandler over in-memory stores behind a chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	persons := mock.NewMockPersonRepository()
	vectors := mock.NewMockVectorIndex()
	store := identity.NewStore(persons, vectors, identity.Options{Dimension: 4})
	svc := recognizer.NewService(&stubDetector{}, stubEmbedder{}, store)
	h := NewFacesHandler(svc, identity.DefaultSimilarityThreshold)

	r := chi.NewRouter()
	r.Get("/api/v1/ready", h.Ready)
	r.Post("/api/v1/detect", h.Detect)
	r.Get("/api/v1/persons", h.ListPersons)
	r.Post("/api/v1/persons", h.CreatePerson)
	r.Post("/api/v1/persons/search", h.Search)
	r.Get("/api/v1/persons/{id}", h.GetPerson)
	r.Delete("/api/v1/persons/{id}", h.DeletePerson)
	r.Post("/api/v1/reconcile", h.Reconcile)

	return &testEnv{handler: h, router: r, service: svc, persons: persons, vectors: vectors}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	e.router.ServeHTTP(recorder, req)
	return recorder
}

// testPNG returns an 8x8 PNG filled with the given red value.
func testPNG(t *testing.T, red uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := range 8 {
		for x := range 8 {
			img.Set(x, y, color.RGBA{R: red, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// multipartRequest builds a multipart request with an optional file and fields.
func multipartRequest(t *testing.T, path string, file []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if file != nil {
		part, err := w.CreateFormFile(uploadField, "face.png")
		if err != nil {
			t.Fatal(err)
		}
		part.Write(file)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}
