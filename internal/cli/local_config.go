package cli

import (
	"os"

	"github.com/agentsh/agentgate/internal/config"
)

func defaultConfigPath() string {
	if v := os.Getenv("AGENTGATE_CONFIG"); v != "" {
		return v
	}
	for _, p := range []string{"config.yml", "config.yaml", "/etc/agentgate/config.yaml", "/etc/agentgate/config.yml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// loadLocalConfig loads path, falling back to the first config found in the
// usual places and then to built-in defaults.
func loadLocalConfig(path string) (*config.Config, error) {
	if path == "" {
		path = defaultConfigPath()
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
