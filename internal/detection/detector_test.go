package detection

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/kozaktomas/face-recognizer/internal/batcher"
	"github.com/kozaktomas/face-recognizer/internal/inference"
)

const testInputSize = 64

// faceRow builds a model-space prediction row.
func faceRow(cx, cy, w, h, obj, cls float32) []float32 {
	row := make([]float32, RowSize)
	row[0], row[1], row[2], row[3] = cx, cy, w, h
	row[objIndex] = obj
	row[classIndex] = cls
	for k := 0; k < 5; k++ {
		row[keypointIndex+2*k] = cx - w/4 + float32(k)
		row[keypointIndex+2*k+1] = cy - h/4 + float32(k)
	}
	return row
}

// fakeRunner returns the same prediction rows for every image in a batch and
// records the batch sizes it saw.
type fakeRunner struct {
	mu    sync.Mutex
	rows  [][]float32
	err   error
	sizes []int
}

func (f *fakeRunner) RunBatch(_ context.Context, in inference.Batch) (inference.Batch, error) {
	f.mu.Lock()
	f.sizes = append(f.sizes, in.Shape[0])
	f.mu.Unlock()
	if f.err != nil {
		return inference.Batch{}, f.err
	}
	if len(in.Shape) != 4 || in.Shape[1] != 3 || in.Shape[2] != testInputSize {
		return inference.Batch{}, errors.New("unexpected input shape")
	}
	n := in.Shape[0]
	var data []float32
	for i := 0; i < n; i++ {
		for _, r := range f.rows {
			data = append(data, r...)
		}
	}
	return inference.Batch{Shape: []int{n, len(f.rows), RowSize}, Data: data}, nil
}

func newTestDetector(r inference.Runner) *Detector {
	return NewDetector(r, Config{
		InputSize: testInputSize,
		Batch:     batcher.Config{MaxBatchSize: 16, MaxLatency: 5 * time.Millisecond},
	})
}

func grayImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{128, 128, 128, 255})
		}
	}
	return img
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-3
}

func TestDetectRescalesToSource(t *testing.T) {
	r := &fakeRunner{rows: [][]float32{faceRow(32, 32, 20, 10, 0.9, 1)}}
	d := newTestDetector(r)
	defer d.Close()

	// 128x64 into 64: scale 0.5, vertical padding 16.
	dets, err := d.Detect(context.Background(), grayImage(128, 64))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("got %d detections, want 1", len(dets))
	}
	want := [4]float64{44, 22, 84, 42}
	for i := range want {
		if !almostEqual(dets[0].BBox[i], want[i]) {
			t.Errorf("bbox = %v, want %v", dets[0].BBox, want)
			break
		}
	}
	// First keypoint is (cx - w/4, cy - h/4) = (27, 29.5) in model space.
	if !almostEqual(dets[0].Keypoints[0][0], 54) || !almostEqual(dets[0].Keypoints[0][1], 27) {
		t.Errorf("keypoint 0 = %v, want [54 27]", dets[0].Keypoints[0])
	}
	if !almostEqual(dets[0].Confidence, 0.9) {
		t.Errorf("confidence = %v, want 0.9", dets[0].Confidence)
	}
}

func TestDetectFiltersAndSuppresses(t *testing.T) {
	r := &fakeRunner{rows: [][]float32{
		faceRow(20, 20, 10, 10, 0.9, 0.9),  // kept
		faceRow(21, 20, 10, 10, 0.8, 0.9),  // overlaps the first
		faceRow(50, 50, 8, 8, 0.5, 0.5),    // conf 0.25, filtered
		faceRow(50, 20, 10, 10, 0.95, 0.5), // conf 0.475, kept
	}}
	d := newTestDetector(r)
	defer d.Close()

	dets, err := d.Detect(context.Background(), grayImage(64, 64))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(dets) != 2 {
		t.Fatalf("got %d detections, want 2", len(dets))
	}
	if !almostEqual(dets[0].Confidence, 0.81) || !almostEqual(dets[1].Confidence, 0.475) {
		t.Errorf("confidences = [%v %v], want [0.81 0.475]", dets[0].Confidence, dets[1].Confidence)
	}
}

func TestDetectBatchPerImageScaling(t *testing.T) {
	r := &fakeRunner{rows: [][]float32{faceRow(32, 32, 16, 16, 0.9, 1)}}
	d := newTestDetector(r)
	defer d.Close()

	imgs := []image.Image{grayImage(64, 64), grayImage(256, 256), grayImage(64, 128)}
	res, err := d.DetectBatch(context.Background(), imgs)
	if err != nil {
		t.Fatalf("DetectBatch() error = %v", err)
	}
	if len(res) != 3 {
		t.Fatalf("got %d results, want 3", len(res))
	}
	// Centers map to each image's own center.
	centers := [][2]float64{{32, 32}, {128, 128}, {32, 64}}
	for i, c := range centers {
		b := res[i][0].BBox
		cx, cy := (b[0]+b[2])/2, (b[1]+b[3])/2
		if !almostEqual(cx, c[0]) || !almostEqual(cy, c[1]) {
			t.Errorf("image %d center = (%v, %v), want %v", i, cx, cy, c)
		}
	}
}

func TestDetectBatchInvalidImageIsolated(t *testing.T) {
	r := &fakeRunner{rows: [][]float32{faceRow(32, 32, 16, 16, 0.9, 1)}}
	d := newTestDetector(r)
	defer d.Close()

	imgs := []image.Image{grayImage(64, 64), nil, image.NewRGBA(image.Rect(0, 0, 0, 0))}
	res, err := d.DetectBatch(context.Background(), imgs)
	if !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("DetectBatch() error = %v, want ErrInvalidImage", err)
	}
	var ie ImageErrors
	if !errors.As(err, &ie) {
		t.Fatalf("error %T is not ImageErrors", err)
	}
	if len(ie) != 2 || ie[0].Index != 1 || ie[1].Index != 2 {
		t.Errorf("failed indices = %v, want 1 and 2", ie)
	}
	if len(res[0]) != 1 {
		t.Errorf("valid sibling got %d detections, want 1", len(res[0]))
	}
	if res[1] == nil || len(res[1]) != 0 {
		t.Errorf("failed slot = %v, want empty", res[1])
	}

	if _, err := d.Detect(context.Background(), nil); !errors.Is(err, ErrInvalidImage) {
		t.Errorf("Detect(nil) error = %v, want ErrInvalidImage", err)
	}
}

func TestDetectRunnerFailure(t *testing.T) {
	r := &fakeRunner{err: errors.New("runtime down")}
	d := newTestDetector(r)
	defer d.Close()

	_, err := d.Detect(context.Background(), grayImage(32, 32))
	if !errors.Is(err, batcher.ErrDispatch) {
		t.Errorf("Detect() error = %v, want ErrDispatch", err)
	}
}

func TestDetectBadOutputShape(t *testing.T) {
	runner := inference.RunnerFunc(func(_ context.Context, in inference.Batch) (inference.Batch, error) {
		n := in.Shape[0]
		return inference.Batch{Shape: []int{n, 1, 6}, Data: make([]float32, n*6)}, nil
	})
	d := newTestDetector(runner)
	defer d.Close()

	_, err := d.Detect(context.Background(), grayImage(32, 32))
	if !errors.Is(err, inference.ErrShape) {
		t.Errorf("Detect() error = %v, want ErrShape", err)
	}
}

func TestDetectNoFaces(t *testing.T) {
	d := newTestDetector(&fakeRunner{})
	defer d.Close()

	dets, err := d.Detect(context.Background(), grayImage(32, 32))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if dets == nil || len(dets) != 0 {
		t.Errorf("Detect() = %v, want empty slice", dets)
	}
}

func TestConcurrentCallersShareBatches(t *testing.T) {
	r := &fakeRunner{rows: [][]float32{faceRow(32, 32, 16, 16, 0.9, 1)}}
	d := NewDetector(r, Config{
		InputSize: testInputSize,
		Batch:     batcher.Config{MaxBatchSize: 8, MaxLatency: time.Hour},
	})
	defer d.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Detect(context.Background(), grayImage(32, 32)); err != nil {
				t.Errorf("Detect() error = %v", err)
			}
		}()
	}
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sizes) != 1 || r.sizes[0] != 8 {
		t.Errorf("runner batch sizes = %v, want [8]", r.sizes)
	}
}

func TestDecodeImage(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, grayImage(4, 3)); err != nil {
		t.Fatal(err)
	}

	img, format, err := DecodeImage(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeImage() error = %v", err)
	}
	if format != "png" || img.Bounds().Dx() != 4 {
		t.Errorf("decoded %s %v, want png 4x3", format, img.Bounds())
	}

	for _, data := range [][]byte{nil, []byte("not an image")} {
		if _, _, err := DecodeImage(data); !errors.Is(err, ErrInvalidImage) {
			t.Errorf("DecodeImage(%q) error = %v, want ErrInvalidImage", data, err)
		}
	}
}
