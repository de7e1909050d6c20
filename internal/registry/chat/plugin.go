package chat

import (
	"context"
	"fmt"
)

// Completer calls an external chat-completion provider. Implementations
// apply their own timeout and bounded retry; after retry exhaustion the
// error carries enough detail to distinguish timeout from rate-limit.
type Completer interface {
	Complete(ctx context.Context, systemPrompt string, userPrompt string) (string, error)
	ModelName() string
}

// Loader creates a Completer from config.
type Loader func(ctx context.Context) (Completer, error)

// Plugin represents a completion provider plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a completion provider plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered completion plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named completion plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown completion provider %q; valid: %v", name, Names())
}
