package subcommands

import (
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"LlamaRun/internal/config"
)

// RunConfig prints the resolved configuration as yaml or toml.
func RunConfig(cfg config.Config, format string, out io.Writer) error {
	switch format {
	case "", "yaml", "yml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	case "toml":
		return toml.NewEncoder(out).Encode(cfg)
	default:
		return fmt.Errorf("unknown format %q (want yaml or toml)", format)
	}
}
