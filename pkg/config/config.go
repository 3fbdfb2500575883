// Package config resolves the controller's options from flags, EPOK_*
// environment variables, and an optional YAML file, in that precedence
// order, and hot-reloads the file when it changes.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/getbetter-ro/epok/pkg/batch"
)

// Defaults for options not set anywhere.
const (
	DefaultBatchSize = batch.DefaultSizeLimit
	DefaultDebounce  = 100 * time.Millisecond
	DefaultResync    = time.Hour
	DefaultSSHPort   = 22
)

// Options is the resolved controller configuration.
type Options struct {
	// Interfaces lists the host interfaces forwarding rules are installed on.
	Interfaces []string
	// ExternalInterface is excluded from rules of internal services.
	ExternalInterface string
	// BatchCommands toggles packing commands into size-bounded batches.
	BatchCommands bool
	// BatchSize is the batch byte limit.
	BatchSize int
	// Debounce is the quiet period coalescing bursts of resource events.
	Debounce time.Duration
	// Resync is the interval of drift-healing passes in the absence of events.
	Resync time.Duration
}

// SSHOptions configures the remote executor.
type SSHOptions struct {
	Host    string // user@host
	Port    int
	KeyPath string
}

// Validate checks the resolved options.
func Validate(opts *Options) error {
	if len(opts.Interfaces) == 0 {
		return fmt.Errorf("at least one interface is required")
	}
	seen := make(map[string]bool)
	for _, iface := range opts.Interfaces {
		if iface == "" {
			return fmt.Errorf("interface name must not be empty")
		}
		if seen[iface] {
			return fmt.Errorf("duplicate interface %q", iface)
		}
		seen[iface] = true
	}
	if opts.BatchSize <= 0 {
		return fmt.Errorf("batch size must be a positive number of bytes")
	}
	if opts.Debounce <= 0 {
		return fmt.Errorf("debounce must be a positive duration")
	}
	if opts.Resync <= 0 {
		return fmt.Errorf("resync must be a positive duration")
	}
	return nil
}

// ValidateSSH checks the remote executor options.
func ValidateSSH(opts *SSHOptions) error {
	user, host, ok := strings.Cut(opts.Host, "@")
	if !ok || user == "" || host == "" {
		return fmt.Errorf("ssh host must be user@host, got %q", opts.Host)
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return fmt.Errorf("ssh port must be between 1 and 65535, got %d", opts.Port)
	}
	if opts.KeyPath == "" {
		return fmt.Errorf("ssh key path is required")
	}
	return nil
}

// FromViper extracts and validates Options from a prepared viper instance.
func FromViper(v *viper.Viper) (*Options, error) {
	opts := &Options{
		Interfaces:        splitInterfaces(v.GetStringSlice("interfaces")),
		ExternalInterface: v.GetString("external-interface"),
		BatchCommands:     v.GetBool("batch-commands"),
		BatchSize:         v.GetInt("batch-size"),
		Debounce:          v.GetDuration("debounce"),
		Resync:            v.GetDuration("resync"),
	}
	if err := Validate(opts); err != nil {
		return nil, err
	}
	return opts, nil
}

// splitInterfaces flattens comma-separated entries. Flag and env values
// arrive as a single "eth0,eth1" string while a YAML list arrives already
// split; both forms normalize to the same slice.
func splitInterfaces(raw []string) []string {
	var out []string
	for _, entry := range raw {
		for _, name := range strings.Split(entry, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

// Manager holds the current options and hot-reloads them from the optional
// config file.
type Manager struct {
	viper    *viper.Viper
	current  *Options
	mu       sync.RWMutex
	onChange chan struct{}
	logger   *zap.Logger
}

// NewManager resolves the initial options. When configPath is non-empty the
// file is read first so flags and environment still override it.
func NewManager(v *viper.Viper, configPath string, logger *zap.Logger) (*Manager, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	opts, err := FromViper(v)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Manager{
		viper:    v,
		current:  opts,
		onChange: make(chan struct{}, 1),
		logger:   logger,
	}, nil
}

// Watch starts watching the config file for changes. On change the options
// are re-resolved and, if valid, swapped in and announced on OnChange;
// invalid edits keep the previous options.
func (m *Manager) Watch() {
	if m.viper.ConfigFileUsed() == "" {
		return
	}

	m.viper.OnConfigChange(func(event fsnotify.Event) {
		m.logger.Info("config file changed", zap.String("file", event.Name))

		opts, err := FromViper(m.viper)
		if err != nil {
			m.logger.Error("failed to reload config, keeping previous options", zap.Error(err))
			return
		}

		m.mu.Lock()
		m.current = opts
		m.mu.Unlock()

		select {
		case m.onChange <- struct{}{}:
		default:
		}
	})

	m.viper.WatchConfig()
}

// Options returns a snapshot of the current options.
func (m *Manager) Options() *Options {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange signals that the options have been replaced.
func (m *Manager) OnChange() <-chan struct{} {
	return m.onChange
}
