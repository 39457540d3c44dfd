// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile describes how guests are launched: where the runner and
// translator payloads live, which host linker the staged translator is
// patched to, the base bind-mount set, and the guest environment.
// Profiles support single inheritance via Inherit.
type Profile struct {
	// Inherit names the parent profile merged under this one.
	Inherit string `yaml:"inherit,omitempty"`

	// Runner is the path to the syscall-trapping runner binary.
	Runner string `yaml:"runner,omitempty"`

	// Translator32 and Translator64 are the translator source
	// payloads, optionally compressed (.zst or .lz4).
	Translator32 string `yaml:"translator32,omitempty"`
	Translator64 string `yaml:"translator64,omitempty"`

	// HostLinker is the host dynamic linker the staged translator's
	// ELF interpreter is patched to.
	HostLinker string `yaml:"host_linker,omitempty"`

	// Binds are bind mounts in "host:guest" or "host:guest:ro" form,
	// applied in order after the built-in set.
	Binds []string `yaml:"binds,omitempty"`

	// Environment is merged into the guest environment, under any
	// per-launch overrides.
	Environment map[string]string `yaml:"environment,omitempty"`

	// Tuning holds translator tuning flags, exported to the guest as
	// environment variables verbatim.
	Tuning map[string]string `yaml:"tuning,omitempty"`
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	clone := *p
	clone.Binds = append([]string(nil), p.Binds...)
	clone.Environment = cloneMap(p.Environment)
	clone.Tuning = cloneMap(p.Tuning)
	return &clone
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ProfilesConfig is the top-level YAML document: named profiles.
type ProfilesConfig struct {
	Profiles map[string]*Profile `yaml:"profiles"`
}

// ParseProfilesConfig parses a profiles YAML document.
func ParseProfilesConfig(data []byte) (*ProfilesConfig, error) {
	var config ProfilesConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing profiles: %w", err)
	}
	if config.Profiles == nil {
		config.Profiles = make(map[string]*Profile)
	}
	return &config, nil
}

// defaultProfilesYAML is the built-in baseline. Paths follow the
// standard install layout; site configs override them per host.
const defaultProfilesYAML = `
profiles:
  default:
    runner: /usr/libexec/guestbox/runner
    translator32: /usr/share/guestbox/translator32.zst
    translator64: /usr/share/guestbox/translator64.zst
    host_linker: /lib64/ld-linux-x86-64.so.2
    environment:
      HOME: /home/guest
      USER: guest
      PATH: /windows/system32
      TMPDIR: /tmp
    tuning:
      GUESTBOX_JIT_CACHE_MB: "64"
`

// ProfileLoader loads and resolves launch profiles. Later-loaded
// configs override earlier ones by profile name.
type ProfileLoader struct {
	configs  []*ProfilesConfig
	resolved map[string]*Profile
}

// NewProfileLoader creates a loader with no configs.
func NewProfileLoader() *ProfileLoader {
	return &ProfileLoader{resolved: make(map[string]*Profile)}
}

// LoadDefaults loads the built-in profiles.
func (l *ProfileLoader) LoadDefaults() error {
	config, err := ParseProfilesConfig([]byte(defaultProfilesYAML))
	if err != nil {
		return fmt.Errorf("built-in profiles: %w", err)
	}
	l.configs = append(l.configs, config)
	return nil
}

// LoadFile loads profiles from a YAML file.
func (l *ProfileLoader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading profiles: %w", err)
	}
	config, err := ParseProfilesConfig(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	l.configs = append(l.configs, config)
	return nil
}

// Resolve resolves a profile by name, applying single inheritance.
func (l *ProfileLoader) Resolve(name string) (*Profile, error) {
	if profile, ok := l.resolved[name]; ok {
		return profile, nil
	}

	var found *Profile
	for _, config := range l.configs {
		if profile, ok := config.Profiles[name]; ok {
			found = profile
		}
	}
	if found == nil {
		return nil, fmt.Errorf("profile not found: %s", name)
	}

	var profile *Profile
	if found.Inherit != "" {
		parent, err := l.Resolve(found.Inherit)
		if err != nil {
			return nil, fmt.Errorf("resolving parent of %q: %w", name, err)
		}
		profile = mergeProfiles(parent, found)
	} else {
		profile = found.Clone()
	}

	l.resolved[name] = profile
	return profile, nil
}

// mergeProfiles overlays child on parent: scalar fields replace when
// set, binds concatenate, maps merge with the child winning.
func mergeProfiles(parent, child *Profile) *Profile {
	merged := parent.Clone()
	merged.Inherit = ""
	if child.Runner != "" {
		merged.Runner = child.Runner
	}
	if child.Translator32 != "" {
		merged.Translator32 = child.Translator32
	}
	if child.Translator64 != "" {
		merged.Translator64 = child.Translator64
	}
	if child.HostLinker != "" {
		merged.HostLinker = child.HostLinker
	}
	merged.Binds = append(merged.Binds, child.Binds...)
	if len(child.Environment) > 0 {
		if merged.Environment == nil {
			merged.Environment = make(map[string]string)
		}
		for k, v := range child.Environment {
			merged.Environment[k] = v
		}
	}
	if len(child.Tuning) > 0 {
		if merged.Tuning == nil {
			merged.Tuning = make(map[string]string)
		}
		for k, v := range child.Tuning {
			merged.Tuning[k] = v
		}
	}
	return merged
}
