//go:build !linux

package config

// MetadataDir mirrors the linux default for other platforms.
var MetadataDir = ".timer_meta"
