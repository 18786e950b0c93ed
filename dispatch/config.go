package dispatch

import (
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables read by LoadConfig.
const EnvPrefix = "SCOPE"

// Config sizes the shared pools.
type Config struct {
	// DefaultParallelism is the slot count of Default.
	DefaultParallelism int `mapstructure:"default_parallelism"`
	// IOParallelism is the slot ceiling of IO.
	IOParallelism int `mapstructure:"io_parallelism"`
}

// DefaultConfig returns the built-in sizing.
func DefaultConfig() Config {
	return Config{
		DefaultParallelism: DefaultParallelism(),
		IOParallelism:      IOParallelism(),
	}
}

// LoadConfig reads pool sizing from v, falling back to DefaultConfig for
// unset keys. A nil v reads SCOPE_DEFAULT_PARALLELISM and
// SCOPE_IO_PARALLELISM from the environment.
func LoadConfig(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
		v.SetEnvPrefix(EnvPrefix)
		v.AutomaticEnv()
	}
	def := DefaultConfig()
	v.SetDefault("default_parallelism", def.DefaultParallelism)
	v.SetDefault("io_parallelism", def.IOParallelism)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("dispatch: decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports sizing that cannot back a pool.
func (c Config) Validate() error {
	if c.DefaultParallelism <= 0 {
		return fmt.Errorf("dispatch: default_parallelism must be positive, got %d", c.DefaultParallelism)
	}
	if c.IOParallelism <= 0 {
		return fmt.Errorf("dispatch: io_parallelism must be positive, got %d", c.IOParallelism)
	}
	return nil
}

type shared struct {
	def *Pool
	io  *Pool
}

var sharedPools = sync.OnceValue(func() shared {
	cfg, err := LoadConfig(nil)
	if err != nil {
		cfg = DefaultConfig()
	}
	return shared{
		def: NewPool("Default", cfg.DefaultParallelism),
		io:  NewPool("IO", cfg.IOParallelism),
	}
})

// Default is the bounded pool shared by CPU-bound tasks. Tasks without an
// explicit dispatcher run here.
func Default() *Pool { return sharedPools().def }

// IO is the elastic pool for tasks that block on I/O.
func IO() *Pool { return sharedPools().io }
