// Package builtin provides the standard toolset every session starts with.
// Tools reach the filesystem and shell only through the execution adapter
// attached to the call context, so the same set works against local,
// container, and remote workspaces.
package builtin

import (
	"ivory/internal/agent/ports"
	"ivory/internal/toolregistry"
)

// All returns the builtin toolset in registration order.
func All() []ports.ToolExecutor {
	return []ports.ToolExecutor{
		NewFileRead(),
		NewFileWrite(),
		NewFileEdit(),
		NewListFiles(),
		NewGlob(),
		NewBash(),
		NewDirMap(),
		NewRepoInfo(),
	}
}

// RegisterAll installs the builtin toolset into a registry.
func RegisterAll(registry *toolregistry.Registry) error {
	for _, tool := range All() {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
