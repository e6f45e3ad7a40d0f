//go:build windows

package cmd

import (
	"os"
)

// gracefulSignals returns the OS signals to capture for graceful shutdown.
// On Windows only os.Interrupt is delivered.
func gracefulSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// reloadSignals is empty on Windows; restart to pick up policy changes.
func reloadSignals() []os.Signal {
	return nil
}
