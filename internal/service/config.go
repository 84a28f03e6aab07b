package service

import (
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// HelperConfig configures the producer side helper commands (claim, ping,
// adopt) which run over ssh without a configuration file. Values come from
// flags, JOBRELAY_* environment variables and an optional .env file.
type HelperConfig struct {
	Root        string        `mapstructure:"root"`
	OrphanGrace time.Duration `mapstructure:"orphan_grace"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// ParseConfig decodes the viper settings under key, or all of them when key
// is empty.
func ParseConfig(key string) (HelperConfig, error) {
	var cfg HelperConfig
	var err error
	if key == "" {
		err = viper.Unmarshal(&cfg)
	} else {
		err = viper.UnmarshalKey(key, &cfg)
	}
	if cfg.Root == "" {
		cfg.Root = "."
	}
	return cfg, err
}

// Env turns a name to value map into a sorted KEY=value list for
// Command.Env. Names are upper cased, values starting with $ are expanded.
func Env(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	env := make([]string, 0, len(m))
	for k, v := range m {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	slices.Sort(env)
	return env
}
