package onnx

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/krau/plantdoc/service"
	ort "github.com/yalue/onnxruntime_go"
)

// Layout is the memory order of the model's image input.
type Layout int

const (
	NHWC Layout = iota
	NCHW
)

func (l Layout) String() string {
	if l == NCHW {
		return "NCHW"
	}
	return "NHWC"
}

// ErrClosed is returned by Infer once Close has been called.
var ErrClosed = errors.New("onnx: session closed")

type Options struct {
	// ImageSize is used for spatial dimensions the model leaves dynamic.
	ImageSize int
	// Sessions is the number of sessions kept for concurrent requests.
	Sessions       int
	IntraOpThreads int
}

type slot struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (s *slot) destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
}

// Session is a pool of ONNX Runtime sessions for one image classifier. It
// implements service.Model.
type Session struct {
	path    string
	layout  Layout
	width   int
	height  int
	classes int

	slots     []*slot
	pool      chan *slot
	done      chan struct{}
	closeOnce sync.Once
}

var _ service.Model = (*Session)(nil)

// Open inspects the model at path and builds opts.Sessions sessions with
// pre-bound input and output tensors. Init must have been called.
func Open(path string, opts Options) (*Session, error) {
	if opts.Sessions <= 0 {
		opts.Sessions = 1
	}
	if opts.ImageSize <= 0 {
		opts.ImageSize = service.DefaultImageSize
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to read model info: %w", err)
	}
	if len(inputs) != 1 {
		return nil, fmt.Errorf("onnx: expected 1 input, model has %d", len(inputs))
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("onnx: model has no outputs")
	}
	if inputs[0].DataType != ort.TensorElementDataTypeFloat {
		return nil, fmt.Errorf("onnx: input %q is %v, want float", inputs[0].Name, inputs[0].DataType)
	}

	layout, w, h, err := resolveInput(inputs[0].Dimensions, opts.ImageSize)
	if err != nil {
		return nil, err
	}
	classes, err := resolveOutput(outputs[0].Dimensions)
	if err != nil {
		return nil, err
	}

	s := &Session{
		path:    path,
		layout:  layout,
		width:   w,
		height:  h,
		classes: classes,
		pool:    make(chan *slot, opts.Sessions),
		done:    make(chan struct{}),
	}
	for i := 0; i < opts.Sessions; i++ {
		sl, err := s.newSlot(inputs[0].Name, outputs[0].Name, opts.IntraOpThreads)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.slots = append(s.slots, sl)
		s.pool <- sl
	}
	return s, nil
}

func (s *Session) inputShape() ort.Shape {
	if s.layout == NCHW {
		return ort.NewShape(1, service.Channels, int64(s.height), int64(s.width))
	}
	return ort.NewShape(s.expected().Shape()...)
}

func (s *Session) expected() service.Tensor {
	return service.Tensor{Height: s.height, Width: s.width}
}

func (s *Session) newSlot(inputName, outputName string, threads int) (*slot, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create session options: %w", err)
	}
	defer opts.Destroy()
	if threads > 0 {
		if err := opts.SetIntraOpNumThreads(threads); err != nil {
			return nil, fmt.Errorf("onnx: failed to set intra-op threads: %w", err)
		}
	}

	sl := &slot{}
	sl.input, err = ort.NewEmptyTensor[float32](s.inputShape())
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create input tensor: %w", err)
	}
	sl.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(s.classes)))
	if err != nil {
		sl.destroy()
		return nil, fmt.Errorf("onnx: failed to create output tensor: %w", err)
	}
	sl.session, err = ort.NewAdvancedSession(
		s.path,
		[]string{inputName},
		[]string{outputName},
		[]ort.Value{sl.input},
		[]ort.Value{sl.output},
		opts,
	)
	if err != nil {
		sl.destroy()
		return nil, fmt.Errorf("onnx: failed to create session: %w", err)
	}
	return sl, nil
}

func (s *Session) InputSize() (int, int) { return s.width, s.height }

func (s *Session) OutputSize() int { return s.classes }

func (s *Session) Layout() Layout { return s.layout }

// Infer runs one forward pass. It blocks until a pooled session is free.
func (s *Session) Infer(input service.Tensor) ([]float32, error) {
	if want := s.expected().Shape(); !slices.Equal(input.Shape(), want) {
		return nil, fmt.Errorf("onnx: input shape %v, model wants %v", input.Shape(), want)
	}
	if len(input.Data) != s.width*s.height*service.Channels {
		return nil, fmt.Errorf("onnx: input has %d values, want %d", len(input.Data), s.width*s.height*service.Channels)
	}

	sl, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer s.release(sl)

	dst := sl.input.GetData()
	if s.layout == NCHW {
		hwcToCHW(dst, input.Data, s.width, s.height)
	} else {
		copy(dst, input.Data)
	}
	if err := sl.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx: inference failed: %w", err)
	}

	src := sl.output.GetData()
	out := make([]float32, len(src))
	copy(out, src)
	return out, nil
}

// acquire takes a free slot, failing once the session is closed.
func (s *Session) acquire() (*slot, error) {
	select {
	case <-s.done:
		return nil, ErrClosed
	case sl := <-s.pool:
		select {
		case <-s.done:
			s.release(sl)
			return nil, ErrClosed
		default:
			return sl, nil
		}
	}
}

func (s *Session) release(sl *slot) {
	s.pool <- sl
}

// Close stops new inference, waits for running calls to hand back their
// slots and then releases all sessions.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		for range s.slots {
			<-s.pool
		}
		for _, sl := range s.slots {
			sl.destroy()
		}
	})
	return nil
}

// resolveInput accepts [N,H,W,3] or [N,3,H,W]. Non-positive spatial
// dimensions are dynamic and take fallback.
func resolveInput(dims ort.Shape, fallback int) (Layout, int, int, error) {
	if len(dims) != 4 {
		return 0, 0, 0, fmt.Errorf("onnx: expected 4D image input, got %v", dims)
	}
	if dims[0] > 1 {
		return 0, 0, 0, fmt.Errorf("onnx: fixed batch size %d not supported", dims[0])
	}
	dim := func(v int64) int {
		if v <= 0 {
			return fallback
		}
		return int(v)
	}
	switch {
	case dims[3] == service.Channels:
		return NHWC, dim(dims[2]), dim(dims[1]), nil
	case dims[1] == service.Channels:
		return NCHW, dim(dims[3]), dim(dims[2]), nil
	default:
		return 0, 0, 0, fmt.Errorf("onnx: input %v has no 3-channel axis", dims)
	}
}

// resolveOutput returns the class count of a [N,C] output.
func resolveOutput(dims ort.Shape) (int, error) {
	if len(dims) != 2 || dims[1] <= 0 {
		return 0, fmt.Errorf("onnx: expected [batch, classes] output, got %v", dims)
	}
	return int(dims[1]), nil
}

func hwcToCHW(dst, src []float32, width, height int) {
	plane := width * height
	for i := 0; i < plane; i++ {
		dst[i] = src[i*3]
		dst[plane+i] = src[i*3+1]
		dst[2*plane+i] = src[i*3+2]
	}
}
