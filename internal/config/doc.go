// Package config loads the TrustNet daemon configuration from a JSON file and
// overlays secrets supplied through environment variables.
package config
