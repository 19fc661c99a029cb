package plugins

import (
	"fmt"
	"strings"
)

// Error codes returned by Code on the typed errors. The HTTP layer maps
// them to statuses.
const (
	CodeNotFound           = "PLUGIN_NOT_FOUND"
	CodeNotInstalled       = "PLUGIN_NOT_INSTALLED"
	CodeDependencyInactive = "DEPENDENCY_NOT_ACTIVATED"
	CodeDuplicateManifest  = "DUPLICATE_MANIFEST"
	CodeInvalidManifest    = "INVALID_MANIFEST"
	CodeCyclicDependency   = "CYCLIC_DEPENDENCY"
)

// PluginNotFoundError means the name is not registered.
type PluginNotFoundError struct {
	Name string
}

func (e *PluginNotFoundError) Error() string {
	return fmt.Sprintf("plugin %q is not registered", e.Name)
}

func (e *PluginNotFoundError) Code() string { return CodeNotFound }

// PluginNotInstalledError means a resource the manifest declares is
// missing on disk.
type PluginNotInstalledError struct {
	Name     string
	Resource string
}

func (e *PluginNotInstalledError) Error() string {
	return fmt.Sprintf("plugin %q is not installed: %s is missing", e.Name, e.Resource)
}

func (e *PluginNotInstalledError) Code() string { return CodeNotInstalled }

// DependencyNotActivatedError names the first dependency, in declaration
// order, that is not active.
type DependencyNotActivatedError struct {
	Plugin     string
	Dependency string
	Registered bool
}

func (e *DependencyNotActivatedError) Error() string {
	if !e.Registered {
		return fmt.Sprintf("plugin %q requires %q, which is not registered", e.Plugin, e.Dependency)
	}
	return fmt.Sprintf("plugin %q requires %q to be activated first", e.Plugin, e.Dependency)
}

func (e *DependencyNotActivatedError) Code() string { return CodeDependencyInactive }

// DuplicateManifestError rejects a second registration of a name.
type DuplicateManifestError struct {
	Name     string
	Existing string // origin of the registered plugin
	Rejected string // origin of the rejected one
}

func (e *DuplicateManifestError) Error() string {
	return fmt.Sprintf("plugin %q is already registered from %s (rejected %s)", e.Name, e.Existing, e.Rejected)
}

func (e *DuplicateManifestError) Code() string { return CodeDuplicateManifest }

// InvalidManifestError wraps a manifest validation failure.
type InvalidManifestError struct {
	Name string
	Err  error
}

func (e *InvalidManifestError) Error() string {
	return fmt.Sprintf("invalid manifest for plugin %q: %v", e.Name, e.Err)
}

func (e *InvalidManifestError) Unwrap() error { return e.Err }

func (e *InvalidManifestError) Code() string { return CodeInvalidManifest }

// CyclicDependencyError reports a dependency loop, first name repeated at
// the end.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return "cyclic plugin dependency: " + strings.Join(e.Cycle, " -> ")
}

func (e *CyclicDependencyError) Code() string { return CodeCyclicDependency }
