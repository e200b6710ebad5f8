package config

// ServiceConfig is the lifecycle every config section follows.
type ServiceConfig interface {
	// ApplyDefaults fills zero values with sensible defaults
	ApplyDefaults()

	// ApplyEnvOverrides applies BROKER_* environment variable overrides
	ApplyEnvOverrides()

	// ResolvePaths makes relative paths absolute against configDir
	ResolvePaths(configDir string)

	// Validate returns an error if the section is invalid
	Validate() error
}

// ApplyServiceConfigs runs ApplyDefaults, ApplyEnvOverrides, ResolvePaths
// and Validate on each section in order, stopping at the first error.
func ApplyServiceConfigs(configDir string, configs ...ServiceConfig) error {
	for _, cfg := range configs {
		cfg.ApplyDefaults()
		cfg.ApplyEnvOverrides()
		cfg.ResolvePaths(configDir)
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	return nil
}
