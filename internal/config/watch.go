package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Loader re-reads one config file. It backs reloads and file watching.
type Loader struct {
	path string
}

// NewLoader returns a Loader for path. An empty path uses the default search paths.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load reads, unmarshals and validates the file. The resolved path is remembered.
func (l *Loader) Load() (*Config, error) {
	cfg, used, err := load(l.path)
	if err != nil {
		return nil, err
	}
	if l.path == "" {
		l.path = used
	}
	return &cfg, nil
}

// Path returns the file being loaded, once known.
func (l *Loader) Path() string {
	return l.path
}

// Watch calls onChange whenever the file is written or replaced.
// The viper watcher runs for the life of the process.
func (l *Loader) Watch(onChange func(), logger *zap.Logger) error {
	if l.path == "" {
		return fmt.Errorf("watch config: no config file resolved")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	v := newViper(l.path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		logger.Info("config file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		onChange()
	})
	v.WatchConfig()
	return nil
}
