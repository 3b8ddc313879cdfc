// Package config handles loading and validating registry and agent configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Two roots exist: Config for the registry server and AgentConfig for a
// field device agent. Sensitive values (passwords, tokens) should be set via
// environment variables.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	timeout := cfg.Registry.OfflineTimeout()
package config
