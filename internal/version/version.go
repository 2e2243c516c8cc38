// Package version holds the build version reported to LiveKit on registration.
package version

// Version is overridden at build time with -ldflags "-X .../internal/version.Version=...".
var Version = "dev"
