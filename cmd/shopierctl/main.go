// Command shopierctl is the operator tool for the Shopier handshake: it
// signs and verifies payloads offline, renders merchant forms and applies the
// embedded schema.
package main

import (
	"os"

	"github.com/noah-isme/anticca-payments/internal/obs"
)

func main() {
	logger := obs.NewLoggerTo(os.Stderr, envOrDefault("OBS_LOG_FORMAT", "console"), envOrDefault("OBS_LOG_LEVEL", "info"))
	if err := newRootCmd(os.Stdout, os.Stdin, logger).Execute(); err != nil {
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
