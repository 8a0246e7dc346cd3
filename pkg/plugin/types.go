package plugin

import "log/slog"

// SourceKind identifies which loader understands a plugin source.
type SourceKind string

const (
	// SourceLua plugins are Lua scripts defining processEvent and the optional lifecycle hooks.
	SourceLua SourceKind = "lua"
	// SourceGo plugins are Go shared objects exporting a Plugin symbol.
	SourceGo SourceKind = "go"
	// SourceStatic plugins are compiled into the host and registered by name.
	SourceStatic SourceKind = "static"
)

// Capability expresses optional features a plugin may request access to.
type Capability string

const (
	// CapabilityStorage exposes meta.storage to the plugin.
	CapabilityStorage Capability = "storage"
	// CapabilityOS opens the Lua os library (clock and date helpers).
	CapabilityOS Capability = "os"
	// CapabilityConsole routes print output to the host logger.
	CapabilityConsole Capability = "console"
)

// Source describes where the code of a plugin lives.
type Source struct {
	Kind SourceKind `yaml:"kind" json:"kind"`
	// Name selects a static registration.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	// Code holds inline source, Lua only.
	Code string `yaml:"code,omitempty" json:"code,omitempty"`
	// Path points at a Lua file or a Go shared object.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// Empty reports whether the source carries nothing loadable.
func (s Source) Empty() bool {
	return s.Name == "" && s.Code == "" && s.Path == ""
}

// LoadRequest carries everything a Loader needs to build one plugin instance.
type LoadRequest struct {
	ConfigID     int64
	Name         string
	Source       Source
	Capabilities []Capability
	// Logger receives console output of script plugins.
	Logger *slog.Logger
}

// Has reports whether the request was granted the capability.
func (r LoadRequest) Has(capability Capability) bool {
	for _, c := range r.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
