// Package config handles loading and validating placesd configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with PLACESD_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sync credentials, the database encryption key and the JWT secret
//     should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load(config.PathFromEnv())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Database.Path)
package config
