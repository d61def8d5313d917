// Package bootstrap performs the one-time process startup every command
// in this repository shares: configuring the shared logrus logger from a
// logging.ini sidecar next to connlist's connection.xml, creating the file with defaults on first run.
package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

const (
	sectionLogging  = "logging"
	keyLevel        = "level"
	keyFormat       = "format"
	formatText      = "text"
	formatJSON      = "json"
	defaultLevel    = "info"
	defaultFilename = "logging.ini"
)

// Settings are the values read from (or defaulted into) logging.ini.
type Settings struct {
	Level  string
	Format string
}

func defaultSettings() Settings {
	return Settings{Level: defaultLevel, Format: formatText}
}

// Path returns the logging.ini path, adjacent to connlist's connection.xml
// (same config directory, platform-specific).
func Path(configDir string) string {
	return filepath.Join(configDir, defaultFilename)
}

// LoadSettings reads path, writing a fresh file with default settings if
// none exists yet.
func LoadSettings(path string) (Settings, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		settings := defaultSettings()
		if err := SaveSettings(path, settings); err != nil {
			return settings, err
		}
		return settings, nil
	}

	cfg, err := ini.Load(path)
	if err != nil {
		return Settings{}, fmt.Errorf("bootstrap: load %s: %w", path, err)
	}

	section := cfg.Section(sectionLogging)
	settings := defaultSettings()
	if key, err := section.GetKey(keyLevel); err == nil {
		settings.Level = key.Value()
	}
	if key, err := section.GetKey(keyFormat); err == nil {
		settings.Format = key.Value()
	}
	return settings, nil
}

// SaveSettings writes settings to path as an ini file, creating parent
// directories as needed.
func SaveSettings(path string, settings Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("bootstrap: create config dir: %w", err)
	}

	cfg := ini.Empty()
	section, err := cfg.NewSection(sectionLogging)
	if err != nil {
		return fmt.Errorf("bootstrap: create section: %w", err)
	}
	if _, err := section.NewKey(keyLevel, settings.Level); err != nil {
		return fmt.Errorf("bootstrap: write level: %w", err)
	}
	if _, err := section.NewKey(keyFormat, settings.Format); err != nil {
		return fmt.Errorf("bootstrap: write format: %w", err)
	}
	if err := cfg.SaveTo(path); err != nil {
		return fmt.Errorf("bootstrap: save %s: %w", path, err)
	}
	return nil
}

// ConfigureLogging loads settings from path (creating it with defaults if
// missing) and applies them to the shared logrus logger every package in
// this repository uses, calling log.SetLevel once at startup.
func ConfigureLogging(path string) (Settings, error) {
	settings, err := LoadSettings(path)
	if err != nil {
		return settings, err
	}

	level, err := log.ParseLevel(settings.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if settings.Format == formatJSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	return settings, nil
}
