package onnx

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/krau/plantdoc/service"
	ort "github.com/yalue/onnxruntime_go"
)

func TestResolveInput(t *testing.T) {
	tests := []struct {
		name       string
		dims       ort.Shape
		wantLayout Layout
		wantW      int
		wantH      int
		wantErr    bool
	}{
		{"keras nhwc", ort.NewShape(-1, 224, 224, 3), NHWC, 224, 224, false},
		{"fixed batch", ort.NewShape(1, 160, 120, 3), NHWC, 120, 160, false},
		{"torch nchw", ort.NewShape(1, 3, 256, 192), NCHW, 192, 256, false},
		{"dynamic spatial", ort.NewShape(-1, -1, -1, 3), NHWC, 300, 300, false},
		{"3d", ort.NewShape(224, 224, 3), 0, 0, 0, true},
		{"grayscale", ort.NewShape(1, 48, 48, 1), 0, 0, 0, true},
		{"batch 8", ort.NewShape(8, 224, 224, 3), 0, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layout, w, h, err := resolveInput(tt.dims, 300)
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolveInput(%v) error = %v, wantErr %v", tt.dims, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if layout != tt.wantLayout || w != tt.wantW || h != tt.wantH {
				t.Fatalf("got %v %dx%d, want %v %dx%d", layout, w, h, tt.wantLayout, tt.wantW, tt.wantH)
			}
		})
	}
}

func TestResolveOutput(t *testing.T) {
	if n, err := resolveOutput(ort.NewShape(-1, 7)); err != nil || n != 7 {
		t.Fatalf("resolveOutput = %d, %v", n, err)
	}
	for _, dims := range []ort.Shape{ort.NewShape(7), ort.NewShape(1, -1), ort.NewShape(1, 7, 7)} {
		if _, err := resolveOutput(dims); err == nil {
			t.Fatalf("expected error for %v", dims)
		}
	}
}

func TestHWCToCHW(t *testing.T) {
	// 2x1 image: pixel0 = (1,2,3), pixel1 = (4,5,6)
	src := []float32{1, 2, 3, 4, 5, 6}
	dst := make([]float32, 6)
	hwcToCHW(dst, src, 2, 1)
	want := []float32{1, 4, 2, 5, 3, 6}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("hwcToCHW = %v, want %v", dst, want)
		}
	}
}

func TestLayoutString(t *testing.T) {
	if NHWC.String() != "NHWC" || NCHW.String() != "NCHW" {
		t.Fatalf("unexpected layout names %q %q", NHWC, NCHW)
	}
}

func TestLibPath(t *testing.T) {
	if got := LibPath("/opt/ort/libonnxruntime.so"); got != "/opt/ort/libonnxruntime.so" {
		t.Fatalf("configured path must win, got %q", got)
	}
	t.Setenv("ONNXRUNTIME_LIB", "/env/libonnxruntime.so")
	if got := LibPath(""); got != "/env/libonnxruntime.so" {
		t.Fatalf("expected env path, got %q", got)
	}
	if len(defaultLibPaths("linux")) == 0 || len(defaultLibPaths("darwin")) == 0 {
		t.Fatal("expected default paths for linux and darwin")
	}
	if defaultLibPaths("plan9") != nil {
		t.Fatal("expected no default paths for plan9")
	}
}

// TestOpen_RealModel runs against a real classifier when one is provided via
// PLANTDOC_TEST_MODEL and the runtime via ONNXRUNTIME_LIB.
func TestOpen_RealModel(t *testing.T) {
	modelPath := os.Getenv("PLANTDOC_TEST_MODEL")
	lib := os.Getenv("ONNXRUNTIME_LIB")
	if modelPath == "" || lib == "" {
		t.Skip("PLANTDOC_TEST_MODEL and ONNXRUNTIME_LIB not set")
	}
	if err := Init(lib); err != nil {
		t.Fatalf("Init: %v", err)
	}

	s, err := Open(modelPath, Options{ImageSize: service.DefaultImageSize, Sessions: 2})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	w, h := s.InputSize()
	input := service.Tensor{Data: make([]float32, w*h*service.Channels), Width: w, Height: h}
	for i := range input.Data {
		input.Data[i] = 128
	}
	scores, err := s.Infer(input)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if len(scores) != s.OutputSize() {
		t.Fatalf("got %d scores, want %d", len(scores), s.OutputSize())
	}

	again, err := s.Infer(input)
	if err != nil {
		t.Fatalf("second Infer: %v", err)
	}
	for i := range scores {
		if scores[i] != again[i] {
			t.Fatalf("inference not deterministic at %d: %v vs %v", i, scores[i], again[i])
		}
	}

	if _, err := s.Infer(service.Tensor{Width: w + 1, Height: h}); err == nil {
		t.Fatal("expected error for wrong input size")
	}
}

// newPooledSession builds a Session whose slots hold no native resources,
// enough to exercise pooling and shutdown without the runtime library.
func newPooledSession(n int) *Session {
	s := &Session{
		width:  2,
		height: 2,
		pool:   make(chan *slot, n),
		done:   make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		sl := &slot{}
		s.slots = append(s.slots, sl)
		s.pool <- sl
	}
	return s
}

func TestClose_WaitsForInFlightSlots(t *testing.T) {
	s := newPooledSession(2)
	busy, err := s.acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a slot was still in use")
	case <-time.After(50 * time.Millisecond):
	}

	s.release(busy)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the slot was released")
	}
}

func TestInfer_AfterClose(t *testing.T) {
	s := newPooledSession(1)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	input := service.Tensor{Data: make([]float32, 2*2*service.Channels), Width: 2, Height: 2}
	if _, err := s.Infer(input); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestAcquire_WaiterReleasedByClose(t *testing.T) {
	s := newPooledSession(1)
	busy, _ := s.acquire()

	waitErr := make(chan error, 1)
	go func() {
		sl, err := s.acquire()
		if err == nil {
			s.release(sl)
		}
		waitErr <- err
	}()

	go s.Close()
	<-s.done
	s.release(busy)

	select {
	case err := <-waitErr:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("waiting caller should see ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiting caller never returned")
	}
}

func TestInfer_WrongShape(t *testing.T) {
	s := newPooledSession(1)
	defer s.Close()
	if _, err := s.Infer(service.Tensor{Width: 3, Height: 2}); err == nil {
		t.Fatal("expected error for wrong input shape")
	}
}
