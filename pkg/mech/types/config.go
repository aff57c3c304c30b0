package types

// DefaultRegistryURL is where the machine registry lives when no
// local copy exists.
const DefaultRegistryURL = "https://gitlab.com/mech-lang/machines/mech/-/raw/main/src/registry.mec"

// DefaultMachinesDir caches the registry and downloaded artifacts,
// relative to the process working directory.
const DefaultMachinesDir = "machines"

// LatestProtocolVersion is the newest mesh protocol this host speaks.
const LatestProtocolVersion = 1

// Configuration carries everything a Program needs, constructed once
// at Runner creation and passed down. The registry URL lives here
// instead of a process global; it holds no well-known name hashes.
type Configuration struct {
	// Name labels the run-loop thread and diagnostics.
	Name string

	// Capacity sizes the inbound and outbound channels.
	Capacity int

	// Version is the mesh protocol version.
	Version int

	// RegistryURL is fetched when machines/registry.mec is absent.
	RegistryURL string

	// MachinesDir holds the registry and artifact cache.
	MachinesDir string

	Logger Logger

	// NewCore builds a Core: the embedded one, and transient ones for
	// registry parsing.
	NewCore func() Core

	// NewCompiler builds a language front end.
	NewCompiler func() Compiler
}

// Validated fills zero Capacity, Version, RegistryURL and MachinesDir
// with defaults and returns the configuration. Logger, NewCore and
// NewCompiler are left as given.
func (c Configuration) Validated() Configuration {
	if c.Capacity <= 0 {
		c.Capacity = 1024
	}
	if c.Version == 0 {
		c.Version = LatestProtocolVersion
	}
	if c.RegistryURL == "" {
		c.RegistryURL = DefaultRegistryURL
	}
	if c.MachinesDir == "" {
		c.MachinesDir = DefaultMachinesDir
	}
	return c
}
