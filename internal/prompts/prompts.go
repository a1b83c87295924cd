// Package prompts loads the system-prompt pack handed to the agent runtime.
// A default pack ships embedded in the binary; operators override individual
// presets with a YAML file referenced by prompts.path.
package prompts

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/parley/parley/internal/session"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Preset names.
const (
	PresetUser   = "user"
	PresetExpert = "expert"
	PresetRouter = "router"
)

// Preset is one resolved system prompt: the system text replaces the
// runtime's default prompt, the append text is added after it.
type Preset struct {
	System string `yaml:"system"`
	Append string `yaml:"append"`
}

type packFile struct {
	Presets map[string]Preset `yaml:"presets"`
}

// Pack holds the resolved presets for the process lifetime.
type Pack struct {
	presets map[string]Preset
}

// Load parses the embedded defaults and merges the optional override file
// on top, preset by preset. An empty path loads defaults only.
func Load(path string) (*Pack, error) {
	var defaults packFile
	if err := yaml.Unmarshal(defaultsYAML, &defaults); err != nil {
		return nil, fmt.Errorf("parse embedded prompt pack: %w", err)
	}

	presets := make(map[string]Preset, len(defaults.Presets))
	for name, p := range defaults.Presets {
		presets[strings.ToLower(name)] = p
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read prompt pack %s: %w", path, err)
		}
		var override packFile
		if err := yaml.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("parse prompt pack %s: %w", path, err)
		}
		for name, p := range override.Presets {
			presets[strings.ToLower(name)] = p
		}
	}

	if _, ok := presets[PresetUser]; !ok {
		return nil, fmt.Errorf("prompt pack is missing the %q preset", PresetUser)
	}
	return &Pack{presets: presets}, nil
}

// Get returns a preset by name, falling back to the user preset for
// unknown names.
func (p *Pack) Get(name string) Preset {
	if preset, ok := p.presets[strings.ToLower(name)]; ok {
		return preset
	}
	return p.presets[PresetUser]
}

// ForRole resolves the preset for a session role. Expert sessions carry the
// mediation preset; everything else, including unknown roles, speaks to the
// user preset.
func (p *Pack) ForRole(role session.Role) Preset {
	if role == session.RoleExpert {
		return p.Get(PresetExpert)
	}
	return p.Get(PresetUser)
}

// Router returns the routing preset.
func (p *Pack) Router() Preset {
	return p.Get(PresetRouter)
}

// FormatUserMessage prepends the identity header the agent sees before the
// raw message content.
func FormatUserMessage(userID, displayName, content string) string {
	name := displayName
	if name == "" {
		name = userID
	}
	return fmt.Sprintf("[user_id: %s] [name: %s]\n%s", userID, name, content)
}
