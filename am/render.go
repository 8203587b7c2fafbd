package am

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/teranos/taxscore/errors"
)

// Output formats accepted by Render
const (
	FormatTOML = "toml"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Render serializes cfg in the requested format
func Render(cfg *Config, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "", FormatTOML:
		return toml.Marshal(cfg)
	case FormatJSON:
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal config as json")
		}
		return append(data, '\n'), nil
	case FormatYAML:
		return yaml.Marshal(cfg)
	default:
		return nil, errors.WithHint(
			errors.Newf("unknown config format %q", format),
			"use one of: toml, json, yaml",
		)
	}
}

// newEditViper returns a viper seeded with defaults and, if cfg is non-nil, cfg's values
func newEditViper(cfg *Config) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("toml")
	if cfg == nil {
		return v
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return v
	}
	_ = v.MergeConfig(bytes.NewReader(data))
	return v
}
