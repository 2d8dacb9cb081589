package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Token     string `toml:"token" mapstructure:"token"`
	Host      string `toml:"host" mapstructure:"host"`
	Port      string `toml:"port" mapstructure:"port"`
	LogLevel  string `toml:"log_level" mapstructure:"log_level"`
	LogFormat string `toml:"log_format" mapstructure:"log_format"`
	Libonnx   string `toml:"libonnx" mapstructure:"libonnx"`

	ImageSize        int    `toml:"image_size" mapstructure:"image_size"`
	ResizeFilter     string `toml:"resize_filter" mapstructure:"resize_filter"`
	SessionsPerModel int    `toml:"sessions_per_model" mapstructure:"sessions_per_model"`
	IntraOpThreads   int    `toml:"intra_op_threads" mapstructure:"intra_op_threads"`
	MaxBodyBytes     int64  `toml:"max_body_bytes" mapstructure:"max_body_bytes"`
	MaxPixels        int64  `toml:"max_pixels" mapstructure:"max_pixels"`
	CORSOrigin       string `toml:"cors_origin" mapstructure:"cors_origin"`

	DownloadTimeout string `toml:"download_timeout" mapstructure:"download_timeout"`

	Plants []Profile `toml:"plants" mapstructure:"plants"`
}

// Profile describes one plant classifier. Classes are ordered by model
// output index.
type Profile struct {
	Key        string   `toml:"key" mapstructure:"key"`
	Name       string   `toml:"name" mapstructure:"name"`
	ModelPath  string   `toml:"model_path" mapstructure:"model_path"`
	ModelUrl   string   `toml:"model_url" mapstructure:"model_url"`
	Classes    []string `toml:"classes" mapstructure:"classes"`
	Activation string   `toml:"activation" mapstructure:"activation"`
}

// Activations accepted in Profile.Activation. Empty means none.
const (
	ActivationNone    = "none"
	ActivationSoftmax = "softmax"
	ActivationSigmoid = "sigmoid"
)

// DefaultPlants are the seven classifiers shipped with the service.
func DefaultPlants() []Profile {
	return []Profile{
		{
			Key: "corn", Name: "Corn", ModelPath: "models/corn_densenet_finetuned_model.onnx",
			Classes: []string{"Common Rust", "Gray Leaf Spot", "Blight", "Healthy"},
		},
		{
			Key: "cotton", Name: "Cotton", ModelPath: "models/cotton_densenet_finetuned_model.onnx",
			Classes: []string{"bacterial_blight", "curl_virus", "fussarium_wilt", "healthy"},
		},
		{
			Key: "rice", Name: "Rice", ModelPath: "models/rice_densenet_finetuned_model.onnx",
			Classes: []string{"bacterial Leaf Blight", "brown Spot", "healthy", "leaf Blast", "leaf Scald", "narrow Brown Spot"},
		},
		{
			Key: "tea", Name: "Tea", ModelPath: "models/tea_densenet_finetuned_model.onnx",
			Classes: []string{"algal_spot", "brown_blight", "gray_blight", "healthy", "helopeltis", "red_spot"},
		},
		{
			Key: "tomato", Name: "Tomato", ModelPath: "models/tomato_densenet_finetuned_model.onnx",
			Classes: []string{
				"Tomato_mosaic_virus", "Target_Spot", "Bacterial_spot", "Tomato_Yellow_Leaf_Curl_Virus",
				"Late_blight", "Leaf_Mold", "Early_blight", "Spider_mites Two-spotted_spider_mite",
				"Tomato___healthy", "Septoria_leaf_spot",
			},
		},
		{
			Key: "mango", Name: "Mango", ModelPath: "models/mango_densenet_finetuned_model.onnx",
			Classes: []string{"Anthracnose", "Bacterial Canker", "Cutting Weevil", "Die Back", "Gall Midge", "Powdery Mildew", "Sooty Mould"},
		},
		{
			Key: "potato", Name: "Potato", ModelPath: "models/potato_densenet_finetuned_model.onnx",
			Classes: []string{"Potato___Early_blight", "Potato___Late_blight", "Potato___healthy"},
		},
	}
}

func defaults() Config {
	return Config{
		Token:            "",
		Host:             "0.0.0.0",
		Port:             "5000",
		LogLevel:         "info",
		LogFormat:        "text",
		ImageSize:        224,
		ResizeFilter:     "catmullrom",
		SessionsPerModel: 1,
		IntraOpThreads:   0,
		MaxBodyBytes:     20 << 20,
		MaxPixels:        178_956_970,
		DownloadTimeout:  "5m",
	}
}

// Path is the config file named by PLANTDOC_CONFIG, default config.toml.
func Path() string {
	if p := os.Getenv("PLANTDOC_CONFIG"); p != "" {
		return p
	}
	return "config.toml"
}

// Load reads path over the defaults. A missing file is not an error; the
// defaults and DefaultPlants are used instead.
func Load(path string) (Config, error) {
	c := defaults()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read config: %w", err)
	default:
		if err := toml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if len(c.Plants) == 0 {
		c.Plants = DefaultPlants()
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the settings that would otherwise fail later at startup
// with a less helpful message.
func (c Config) Validate() error {
	if c.ImageSize <= 0 {
		return fmt.Errorf("image_size must be positive, got %d", c.ImageSize)
	}
	if c.SessionsPerModel <= 0 {
		return fmt.Errorf("sessions_per_model must be positive, got %d", c.SessionsPerModel)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive, got %d", c.MaxBodyBytes)
	}
	if c.MaxPixels <= 0 {
		return fmt.Errorf("max_pixels must be positive, got %d", c.MaxPixels)
	}
	switch c.ResizeFilter {
	case "nearest", "box", "linear", "catmullrom", "lanczos":
	default:
		return fmt.Errorf("unknown resize_filter %q", c.ResizeFilter)
	}
	if d, err := time.ParseDuration(c.DownloadTimeout); err != nil {
		return fmt.Errorf("download_timeout: %w", err)
	} else if d <= 0 {
		return fmt.Errorf("download_timeout must be positive, got %s", c.DownloadTimeout)
	}
	seen := make(map[string]bool, len(c.Plants))
	for i, p := range c.Plants {
		if p.Key == "" {
			return fmt.Errorf("plants[%d]: key is required", i)
		}
		if seen[p.Key] {
			return fmt.Errorf("plants[%d]: duplicate key %q", i, p.Key)
		}
		seen[p.Key] = true
		if p.ModelPath == "" {
			return fmt.Errorf("plant %q: model_path is required", p.Key)
		}
		if len(p.Classes) == 0 {
			return fmt.Errorf("plant %q: classes must not be empty", p.Key)
		}
		switch p.Activation {
		case "", ActivationNone, ActivationSoftmax, ActivationSigmoid:
		default:
			return fmt.Errorf("plant %q: unknown activation %q", p.Key, p.Activation)
		}
	}
	return nil
}

// DownloadTimeoutDuration is DownloadTimeout parsed. Validate guarantees it
// parses.
func (c Config) DownloadTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.DownloadTimeout)
	return d
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}
