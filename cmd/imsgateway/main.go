// Command imsgateway exposes connlist/engine over HTTP: device discovery,
// connect/disconnect, and live connection status, for fleet-management
// tooling that would rather poll a REST endpoint than link this module
// directly.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/isomet/ims-sdk/bootstrap"
	"github.com/isomet/ims-sdk/connlist"

	_ "github.com/isomet/ims-sdk/transport/ethernet"
	_ "github.com/isomet/ims-sdk/transport/usbserial"
)

const dropTimeout = 2 * time.Second

func main() {
	configDir := os.Getenv("IMSGATEWAY_CONFIG_DIR")
	if configDir == "" {
		configDir = filepath.Dir(connlist.SettingsPath())
	}
	if _, err := bootstrap.ConfigureLogging(bootstrap.Path(configDir)); err != nil {
		fmt.Fprintf(os.Stderr, "imsgateway: logging setup: %v\n", err)
	}

	channels := map[string]string{
		"usbserial": os.Getenv("IMSGATEWAY_USBSERIAL_CHANNEL"),
		"ethernet":  os.Getenv("IMSGATEWAY_ETHERNET_CHANNEL"),
	}
	conns := connlist.New(channels)
	defer func() {
		if err := conns.Close(); err != nil {
			log.WithError(err).Warn("imsgateway: saving connection settings")
		}
	}()

	addr := os.Getenv("IMSGATEWAY_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	orchestrator := NewOrchestrator(conns)
	log.WithField("addr", addr).Info("imsgateway: listening")
	if err := orchestrator.Router().Run(addr); err != nil {
		log.WithError(err).Fatal("imsgateway: server exited")
	}
}
