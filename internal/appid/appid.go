// Package appid holds the static identity of the textgate binary: its name,
// environment prefix, config directory name and telemetry namespace.
package appid

import (
	"context"
	"strings"
)

// Identity describes how the binary presents itself on the CLI, in config
// discovery and in telemetry.
type Identity struct {
	BinaryName  string
	Vendor      string
	ConfigName  string
	EnvPrefix   string
	Description string
	Namespace   string
}

// TelemetryNamespace returns the metric namespace, falling back to the binary name.
func (i *Identity) TelemetryNamespace() string {
	if i == nil {
		return ""
	}
	if strings.TrimSpace(i.Namespace) != "" {
		return i.Namespace
	}
	return i.BinaryName
}

var defaultIdentity = Identity{
	BinaryName:  "textgate",
	Vendor:      "textgate",
	ConfigName:  "textgate",
	EnvPrefix:   "TEXTGATE_",
	Description: "Rate-limited relay for text humanizer and AI-detection backends",
	Namespace:   "textgate",
}

// Get returns a copy of the application identity.
func Get(ctx context.Context) (*Identity, error) {
	identity := defaultIdentity
	return &identity, nil
}

// EnvPrefixWithoutSeparator returns the prefix in the form viper expects
// ("TEXTGATE" rather than "TEXTGATE_").
func (i *Identity) EnvPrefixWithoutSeparator() string {
	if i == nil {
		return ""
	}
	return strings.TrimSuffix(i.EnvPrefix, "_")
}
