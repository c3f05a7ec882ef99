package config

import (
	"os"

	"github.com/kkyr/fig"
)

const EnvPrefix = "ROLLBACK"

// LoadConfig loads a configuration file into the given struct.
// The path param specifies a custom directory of the configuration file.
// Environment variables with the ROLLBACK_ prefix override file values;
// params from the config should be in uppercase separated with _.
func LoadConfig(config any, path string) error {
	dirs := []string{path}
	if path == "" {
		dirs = append(dirs, ".", "configs", "../../configs")
		if home, err := os.UserHomeDir(); err == nil {
			dirs = append(dirs, home+"/.rollback")
		}
	}
	return fig.Load(config, fig.Dirs(dirs...), fig.UseEnv(EnvPrefix))
}

// LoadConfigEnv fills the struct from tag defaults and the environment only.
func LoadConfigEnv(config any) error {
	return fig.Load(config, fig.IgnoreFile(), fig.UseEnv(EnvPrefix))
}
