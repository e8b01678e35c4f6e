package ui

import (
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var interactive struct {
	mu   sync.RWMutex
	set  bool
	live bool
}

// ConfigureInteraction decides once whether output may redraw lines and use
// colour. noInteraction forces plain line output.
func ConfigureInteraction(noInteraction bool) {
	live := detectInteractive(noInteraction)

	interactive.mu.Lock()
	interactive.set, interactive.live = true, live
	interactive.mu.Unlock()

	if live {
		lipgloss.SetColorProfile(termenv.ColorProfile())
		return
	}
	lipgloss.SetColorProfile(termenv.Ascii)
}

func IsInteractive() bool {
	interactive.mu.RLock()
	set, live := interactive.set, interactive.live
	interactive.mu.RUnlock()
	if set {
		return live
	}
	ConfigureInteraction(false)
	return IsInteractive()
}

func detectInteractive(noInteraction bool) bool {
	if noInteraction || envTruthy("NO_INTERACTION") || envTruthy("CI") {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv("TERM")), "dumb") {
		return false
	}
	info, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func envTruthy(key string) bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
