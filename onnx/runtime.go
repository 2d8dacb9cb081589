package onnx

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// LibPath resolves the ONNX Runtime shared library: the configured path,
// then $ONNXRUNTIME_LIB, then the first existing per-OS default.
func LibPath(configured string) string {
	if configured != "" {
		return configured
	}
	if p := os.Getenv("ONNXRUNTIME_LIB"); p != "" {
		return p
	}
	for _, p := range defaultLibPaths(runtime.GOOS) {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func defaultLibPaths(goos string) []string {
	switch goos {
	case "linux":
		return []string{
			filepath.Join("onnxlibs", "libonnxruntime.so"),
			"/usr/local/lib/libonnxruntime.so",
			"/usr/lib/libonnxruntime.so",
		}
	case "darwin":
		return []string{
			filepath.Join("onnxlibs", "libonnxruntime.dylib"),
			"/usr/local/lib/libonnxruntime.dylib",
			"/opt/homebrew/lib/libonnxruntime.dylib",
		}
	case "windows":
		return []string{filepath.Join("onnxlibs", "onnxruntime.dll"), "onnxruntime.dll"}
	default:
		return nil
	}
}

var env struct {
	once sync.Once
	err  error
}

// Init initializes the ONNX Runtime environment once per process.
func Init(libPath string) error {
	env.once.Do(func() {
		if libPath == "" {
			env.err = fmt.Errorf("onnx: runtime library not found for %s, set libonnx or ONNXRUNTIME_LIB", runtime.GOOS)
			return
		}
		slog.Info("Using ONNX Runtime library", slog.String("path", libPath))
		ort.SetSharedLibraryPath(libPath)
		env.err = ort.InitializeEnvironment()
	})
	return env.err
}

// Destroy tears the environment down. Sessions must be closed first.
func Destroy() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}
