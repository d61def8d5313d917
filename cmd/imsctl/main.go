// Command imsctl is an interactive terminal UI over the connlist/engine
// core: it scans registered transport adapters for devices, connects to
// one, and shows its live connection state and in-flight message count.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/isomet/ims-sdk/bootstrap"
	"github.com/isomet/ims-sdk/connlist"

	_ "github.com/isomet/ims-sdk/transport/ethernet"
	_ "github.com/isomet/ims-sdk/transport/usbserial"
)

func main() {
	// .env can set IMSCTL_CONFIG_DIR and the per-adapter channel variables
	// read below; a missing file is not an error.
	_ = godotenv.Load()

	configDir := os.Getenv("IMSCTL_CONFIG_DIR")
	if configDir == "" {
		configDir = connlistConfigDir()
	}
	if _, err := bootstrap.ConfigureLogging(bootstrap.Path(configDir)); err != nil {
		fmt.Fprintf(os.Stderr, "imsctl: logging setup: %v\n", err)
	}

	channels := map[string]string{
		"usbserial": os.Getenv("IMSCTL_USBSERIAL_CHANNEL"),
		"ethernet":  os.Getenv("IMSCTL_ETHERNET_CHANNEL"),
	}
	conns := connlist.New(channels)
	defer func() {
		if err := conns.Close(); err != nil {
			log.WithError(err).Warn("imsctl: saving connection settings")
		}
	}()

	p := tea.NewProgram(newModel(conns), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "imsctl: %v\n", err)
		os.Exit(1)
	}
}

func connlistConfigDir() string {
	return filepath.Dir(connlist.SettingsPath())
}
