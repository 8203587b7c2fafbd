package am

import (
	"os"
	"sort"
	"strings"

	"github.com/teranos/taxscore/errors"
)

// ConfigSource represents where a configuration value came from
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/taxscore/am.toml
	SourceUser        ConfigSource = "user"        // ~/.taxscore/am.toml
	SourceProject     ConfigSource = "project"     // project am.toml
	SourceEnvironment ConfigSource = "environment" // TAXSCORE_* env vars
)

// SourceInfo tracks where a configuration value originated
type SourceInfo struct {
	Source ConfigSource // The type of config source (default, system, user, etc.)
	Path   string       // File path or environment variable name
}

// SettingInfo contains metadata about a configuration setting
type SettingInfo struct {
	Key        string       `json:"key"`
	Value      interface{}  `json:"value"`
	Source     ConfigSource `json:"source"`
	SourcePath string       `json:"source_path,omitempty"`
}

// Introspect lists every effective setting with the source that supplied it
func Introspect() ([]SettingInfo, error) {
	if _, err := Load(); err != nil {
		return nil, errors.Wrap(err, "failed to load config for introspection")
	}
	v := GetViper()

	loadMu.Lock()
	sources := make(map[string]SourceInfo, len(ConfigSources))
	for k, s := range ConfigSources {
		sources[k] = s
	}
	loadMu.Unlock()

	return settingsWithSources(v.AllKeys(), v.Get, sources), nil
}

// settingsWithSources resolves the source of each key, environment variables taking precedence
func settingsWithSources(keys []string, get func(string) interface{}, sources map[string]SourceInfo) []SettingInfo {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	settings := make([]SettingInfo, 0, len(sorted))
	for _, key := range sorted {
		info := SourceInfo{Source: SourceDefault, Path: "built-in default"}
		if si, ok := sources[key]; ok {
			info = si
		}

		envKey := "TAXSCORE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if envValue := os.Getenv(envKey); envValue != "" {
			info = SourceInfo{Source: SourceEnvironment, Path: envKey}
		}

		settings = append(settings, SettingInfo{
			Key:        key,
			Value:      get(key),
			Source:     info.Source,
			SourcePath: info.Path,
		})
	}
	return settings
}
