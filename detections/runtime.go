package detections

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	envMu    sync.Mutex
	envReady bool
)

// DefaultLibraryPath returns the conventional onnxruntime shared library
// location under dir for the running platform.
func DefaultLibraryPath(dir string) string {
	libName := "libonnxruntime.so"
	switch runtime.GOOS {
	case "darwin":
		libName = "libonnxruntime.dylib"
	case "windows":
		libName = "onnxruntime.dll"
	}
	return filepath.Join(dir, libName)
}

// ensureEnvironment initialises the onnxruntime environment once per
// process. A failed attempt leaves the environment uninitialised so a later
// call can retry.
func ensureEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envReady {
		return nil
	}

	if libPath != "" {
		if _, err := os.Stat(libPath); err != nil {
			return errors.Wrapf(err, "onnxruntime library not found: %s", libPath)
		}
		ort.SetSharedLibraryPath(libPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "failed to initialize ONNX environment")
	}
	envReady = true
	return nil
}

// DestroyEnvironment releases the onnxruntime environment if it was
// initialised.
func DestroyEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()

	if !envReady {
		return nil
	}
	envReady = false
	return ort.DestroyEnvironment()
}
