// Package connlist implements the connection list: the
// process-wide registry of transport adapters constructed at start-up, the
// scan() operation that fans out to each enabled adapter's Discover, and
// the per-adapter settings persisted to an XML file at a platform-specific
// path.
package connlist

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// ModuleSettings are one adapter's persisted settings. Timeouts are milliseconds on the wire to keep the XML plain
// integers, matching the original settings format.
type ModuleSettings struct {
	Name             string `xml:"Name,attr"`
	SendTimeoutMs    int    `xml:"send_timeout"`
	RecvTimeoutMs    int    `xml:"recv_timeout"`
	FreeTimeoutMs    int    `xml:"free_timeout"`
	DiscoverTimeoutMs int   `xml:"discover_timeout"`
	Scan             bool   `xml:"scan"`
}

// ConnectionSettings is the root element of connection.xml.
type ConnectionSettings struct {
	XMLName xml.Name         `xml:"connection"`
	Modules []ModuleSettings `xml:"modules>module"`
}

// DefaultModuleSettings returns settings for name with the timeouts
// transport.DefaultTimeouts() specifies, scan enabled.
func DefaultModuleSettings(name string) ModuleSettings {
	return ModuleSettings{
		Name:              name,
		SendTimeoutMs:     500,
		RecvTimeoutMs:     10000,
		FreeTimeoutMs:     30000,
		DiscoverTimeoutMs: 2500,
		Scan:              true,
	}
}

// SettingsPath returns the platform-specific path for connection.xml
//.
func SettingsPath() string {
	if runtime.GOOS == "windows" {
		base := os.Getenv("LOCALAPPDATA")
		return filepath.Join(base, "Isomet", "iMS_SDK", "connection.xml")
	}
	return filepath.Join(os.Getenv("HOME"), ".config", "ims", "connection.xml")
}

// LoadSettings reads path, returning defaults for knownAdapters not
// already present in the file. A missing file yields defaults for every
// knownAdapter without error.
func LoadSettings(path string, knownAdapters []string) (*ConnectionSettings, error) {
	settings := &ConnectionSettings{}
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// leave settings empty; defaults get filled in below
	case err != nil:
		return nil, fmt.Errorf("connlist: read settings: %w", err)
	default:
		if err := xml.Unmarshal(raw, settings); err != nil {
			return nil, fmt.Errorf("connlist: parse settings: %w", err)
		}
	}

	present := make(map[string]bool, len(settings.Modules))
	for _, m := range settings.Modules {
		present[m.Name] = true
	}
	for _, name := range knownAdapters {
		if !present[name] {
			settings.Modules = append(settings.Modules, DefaultModuleSettings(name))
		}
	}
	return settings, nil
}

// SaveSettings writes settings to path as indented XML, creating parent
// directories as needed.
func SaveSettings(path string, settings *ConnectionSettings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("connlist: create settings dir: %w", err)
	}
	raw, err := xml.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("connlist: marshal settings: %w", err)
	}
	raw = append([]byte(xml.Header), raw...)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("connlist: write settings: %w", err)
	}
	return nil
}
