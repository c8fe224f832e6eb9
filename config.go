package fiberhook

import (
	"sync"

	"github.com/BurntSushi/toml"
)

// ConfigVar is a typed configuration value observable by listeners,
// mirroring sylar's ConfigVar<T>::addListener contract: updates apply
// to subsequent calls, never to ones already in flight, and listeners
// are notified synchronously from Set.
type ConfigVar[T comparable] struct {
	mu        sync.RWMutex
	name      string
	value     T
	listeners []func(old, new T)
}

// NewConfigVar creates a ConfigVar with the given name and default.
func NewConfigVar[T comparable](name string, def T) *ConfigVar[T] {
	return &ConfigVar[T]{name: name, value: def}
}

// Name returns the dotted config key this variable was registered
// under, e.g. "tcp.connect.timeout".
func (c *ConfigVar[T]) Name() string {
	return c.name
}

// Get returns the current value.
func (c *ConfigVar[T]) Get() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Set updates the value, notifying listeners if it changed.
func (c *ConfigVar[T]) Set(v T) {
	c.mu.Lock()
	old := c.value
	if old == v {
		c.mu.Unlock()
		return
	}
	c.value = v
	listeners := append([]func(old, new T){}, c.listeners...)
	c.mu.Unlock()

	getLogger().Info().
		Str("config", c.name).
		Any("old", old).
		Any("new", v).
		Msg("config value changed")

	for _, fn := range listeners {
		fn(old, v)
	}
}

// AddListener registers fn to be called, with (old, new), whenever Set
// changes the value.
func (c *ConfigVar[T]) AddListener(fn func(old, new T)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// ConnectTimeoutMs is the recognized "tcp.connect.timeout" option:
// default connect deadline in milliseconds, consulted by Connect (see
// hook.go). -1 disables the default deadline.
var ConnectTimeoutMs = NewConfigVar("tcp.connect.timeout", 5000)

// fileConfig mirrors the small recognized subset of configuration keys
// this module understands; additional keys are added here as the
// module grows, following the same dotted-table shape BurntSushi/toml
// decodes naturally.
type fileConfig struct {
	TCP struct {
		Connect struct {
			TimeoutMs int `toml:"timeout"`
		} `toml:"connect"`
	} `toml:"tcp"`
}

// LoadConfigFile loads recognized keys from a TOML file and applies
// them via the corresponding ConfigVar, so existing listeners observe
// the change. A zero or absent tcp.connect.timeout leaves the current
// value untouched.
func LoadConfigFile(path string) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return err
	}
	if fc.TCP.Connect.TimeoutMs != 0 {
		ConnectTimeoutMs.Set(fc.TCP.Connect.TimeoutMs)
	}
	return nil
}
