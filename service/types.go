package service

const DefaultImageSize = 224

// Channels is the number of colour channels fed to every model.
const Channels = 3

// Tensor is a single RGB image in HWC order, values in [0,255].
type Tensor struct {
	Data   []float32
	Height int
	Width  int
}

// Shape is the batched model input shape (1, H, W, 3).
func (t Tensor) Shape() []int64 {
	return []int64{1, int64(t.Height), int64(t.Width), Channels}
}

// Model is a loaded classifier. Implementations must be safe for concurrent
// use by multiple goroutines.
type Model interface {
	// InputSize is the (width, height) the model expects.
	InputSize() (int, int)
	// OutputSize is the number of scores Infer returns.
	OutputSize() int
	Infer(input Tensor) ([]float32, error)
	Close() error
}

// PlantProfile binds a plant type to its model and ordered class labels.
type PlantProfile struct {
	Key        string
	Name       string
	Labels     []string
	Activation string
	Model      Model
}

type Result struct {
	Label      string  `json:"prediction"`
	Confidence float32 `json:"confidence"`
}
