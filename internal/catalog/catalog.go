// Package catalog loads the action catalog that binds voice actions to
// device handlers.
package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/minhharry/voiceassistant/internal/action"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalog []byte

const CurrentVersion = 1

type Catalog struct {
	Version int     `yaml:"version" json:"version"`
	Actions []Entry `yaml:"actions" json:"actions"`
}

type Entry struct {
	Name                 string      `yaml:"name" json:"name"`
	Description          string      `yaml:"description" json:"description"`
	LocalizedDescription string      `yaml:"localized_description" json:"localized_description"`
	Keyword              string      `yaml:"keyword" json:"keyword"`
	Handler              HandlerSpec `yaml:"handler" json:"handler"`
}

// HandlerSpec says how an action reaches the device side.
type HandlerSpec struct {
	Kind       string            `yaml:"kind" json:"kind"` // log, publish, exec, wasm
	Subject    string            `yaml:"subject,omitempty" json:"subject,omitempty"`
	Payload    string            `yaml:"payload,omitempty" json:"payload,omitempty"`
	Command    string            `yaml:"command,omitempty" json:"command,omitempty"`
	Module     string            `yaml:"module,omitempty" json:"module,omitempty"`
	Entrypoint string            `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty"`
	Publish    []string          `yaml:"publish,omitempty" json:"publish,omitempty"`
	Env        map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	TimeoutMS  int               `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// Default returns the built-in light and fan catalog.
func Default() Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("default catalog: %v", err))
	}
	return c
}

// Load reads a catalog from disk.
func Load(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, err
	}
	return Parse(data)
}

// Parse accepts YAML (and therefore JSON) catalog documents.
func Parse(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}
	if c.Version == 0 {
		c.Version = CurrentVersion
	}
	return c, nil
}

func (c Catalog) JSON() ([]byte, error) { return json.Marshal(c) }

// Validate ensures the catalog contains required fields.
func Validate(c Catalog) error {
	if c.Version != CurrentVersion {
		return fmt.Errorf("catalog version %d not supported", c.Version)
	}
	if len(c.Actions) == 0 {
		return fmt.Errorf("%w: catalog has no actions", action.ErrInvalidActionSet)
	}
	seen := make(map[string]struct{}, len(c.Actions))
	for i, e := range c.Actions {
		if e.Name == "" {
			return fmt.Errorf("%w: actions[%d].name is required", action.ErrInvalidActionSet, i)
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("%w: duplicate action name %q", action.ErrInvalidActionSet, e.Name)
		}
		seen[e.Name] = struct{}{}
		if strings.TrimSpace(e.Keyword) == "" {
			return fmt.Errorf("actions[%d].keyword is required", i)
		}
		if err := validateHandler(e.Handler); err != nil {
			return fmt.Errorf("actions[%d].handler: %w", i, err)
		}
	}
	return nil
}

func validateHandler(h HandlerSpec) error {
	switch h.Kind {
	case "", "log":
	case "publish":
		if h.Subject == "" {
			return fmt.Errorf("subject is required for publish")
		}
	case "exec":
		if h.Command == "" {
			return fmt.Errorf("command is required for exec")
		}
	case "wasm":
		if h.Module == "" {
			return fmt.Errorf("module is required for wasm")
		}
		if h.Entrypoint == "" {
			return fmt.Errorf("entrypoint is required for wasm")
		}
	default:
		return fmt.Errorf("kind %q not supported", h.Kind)
	}
	return nil
}

// Binder turns a handler spec into a callable handler.
type Binder func(e Entry) (action.Handler, error)

// ActionSet validates c and binds every entry, preserving catalog order.
func (c Catalog) ActionSet(bind Binder) (action.Set, error) {
	if err := Validate(c); err != nil {
		return nil, err
	}
	set := make(action.Set, 0, len(c.Actions))
	for _, e := range c.Actions {
		var handler action.Handler
		if bind != nil {
			h, err := bind(e)
			if err != nil {
				return nil, fmt.Errorf("bind %s: %w", e.Name, err)
			}
			handler = h
		}
		set = append(set, action.Action{
			Name:                 e.Name,
			Description:          e.Description,
			LocalizedDescription: e.LocalizedDescription,
			Keyword:              e.Keyword,
			Handler:              handler,
		})
	}
	return set, nil
}
