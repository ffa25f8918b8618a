package retry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/models"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// duration accepts "30s"/"5m" strings in YAML.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}

	*d = duration(parsed)

	return nil
}

type policyEntry struct {
	MaxAttempts  int      `yaml:"max_attempts"`
	BaseDelay    duration `yaml:"base_delay"`
	MaxDelay     duration `yaml:"max_delay"`
	Exponential  bool     `yaml:"exponential"`
	JitterFactor float64  `yaml:"jitter_factor"`
}

type policyFile struct {
	Policies map[string]policyEntry `yaml:"policies"`
}

// LoadPolicyFile parses per-type retry policy overrides from YAML:
//
//	policies:
//	  full:
//	    max_attempts: 3
//	    base_delay: 30s
//	    max_delay: 5m
//	    exponential: true
//	    jitter_factor: 0.2
func LoadPolicyFile(path string) (map[models.SyncType]models.RetryPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing policy file: %w", err)
	}

	policies := make(map[models.SyncType]models.RetryPolicy, len(f.Policies))
	for name, e := range f.Policies {
		if e.MaxAttempts < 1 {
			return nil, fmt.Errorf("policy %q: max_attempts must be at least 1", name)
		}
		if e.JitterFactor < 0 || e.JitterFactor > 1 {
			return nil, fmt.Errorf("policy %q: jitter_factor must be in [0,1]", name)
		}

		policies[models.SyncType(name)] = models.RetryPolicy{
			MaxAttempts:        e.MaxAttempts,
			BaseDelay:          time.Duration(e.BaseDelay),
			MaxDelay:           time.Duration(e.MaxDelay),
			ExponentialBackoff: e.Exponential,
			JitterFactor:       e.JitterFactor,
		}
	}

	return policies, nil
}

// ApplyPolicyFile loads the file and installs every override.
func (m *Manager) ApplyPolicyFile(path string) error {
	policies, err := LoadPolicyFile(path)
	if err != nil {
		return err
	}

	for t, p := range policies {
		m.SetRetryPolicy(t, p)
	}

	return nil
}

// WatchPolicyFile watches the policy file for changes and reloads it.
// Editors commonly replace files on save, so the parent directory is
// watched and events filtered by name. Blocks until ctx is cancelled.
func (m *Manager) WatchPolicyFile(ctx context.Context, path string, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	logger.Info("watching retry policy file", slog.String("path", target))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if err := m.ApplyPolicyFile(target); err != nil {
				logger.Warn("reloading retry policy file",
					slog.String("path", target),
					slog.String("error", err.Error()),
				)
				continue
			}

			logger.Info("retry policies reloaded", slog.String("path", target))

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			logger.Warn("policy watcher error", slog.String("error", err.Error()))
		}
	}
}
