// Package config loads HelpMe configuration from HELPME_* environment
// variables.
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Unset variables fall back to defaults suitable for a single local
// instance; LoadConfig validates the result before returning it.
package config
