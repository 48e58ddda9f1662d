//go:build pyroscope
// +build pyroscope

package profiling

import (
	"errors"

	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"
)

// Start initializes Pyroscope profiling.
func Start(appName, serverAddress string, log *logging.Logger) error {
	log.Info("Starting Pyroscope")

	if serverAddress == "" {
		return errors.New("profiling: ProfilingAddress is not set")
	}
	if appName == "" {
		return errors.New("profiling: application name is not set")
	}

	_, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "udpconn." + appName,
		ServerAddress:   serverAddress,
		Logger:          log,
		Tags: map[string]string{
			"service": "udpconn-server",
		},
	})
	if err != nil {
		return err
	}
	log.Infof("Pyroscope started successfully at %s, app name: %s", serverAddress, appName)
	return nil
}
