// Package cli provides common CLI utilities for command-line tools built on
// cobra, shared by rem's own cmd/rem.
//
// This package includes:
//   - Configuration management (named contexts)
//   - Output formatting (JSON, YAML, raw)
//   - Per-app directory paths and terminal print helpers
//
// Configuration is stored in ~/.giztoy/<app>/ directory, supporting
// multiple contexts similar to kubectl.
//
// Example usage:
//
//	// Initialize config for your app
//	cfg, err := cli.LoadConfig("minimax")
//
//	// Get current context
//	ctx, err := cfg.GetCurrentContext()
//
//	// Output result
//	cli.Output(result, cli.OutputOptions{
//	    Format: cli.FormatJSON,
//	    File:   outputPath,
//	})
package cli
