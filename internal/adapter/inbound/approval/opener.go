package approval

import (
	"fmt"
	"os/exec"
	"runtime"
)

// BrowserOpener shows a URL to the user.
type BrowserOpener interface {
	Open(url string) error
}

// SystemOpener launches the platform's default browser.
type SystemOpener struct{}

// Open starts the browser without waiting for it to exit.
func (SystemOpener) Open(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// OpenerFunc adapts a function to BrowserOpener.
type OpenerFunc func(url string) error

// Open calls f(url).
func (f OpenerFunc) Open(url string) error { return f(url) }
