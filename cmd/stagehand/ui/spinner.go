package ui

import (
	"context"
	"fmt"
	"os"
	"time"
)

// RunWithSpinner runs fn while a spinner with msg animates on stderr.
// In non-interactive mode fn runs with no output.
func RunWithSpinner(ctx context.Context, msg string, fn func(ctx context.Context) error) error {
	if !IsInteractive() {
		return fn(ctx)
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()
		for frame := 0; ; frame = (frame + 1) % len(spinFrames) {
			fmt.Fprintf(os.Stderr, "\r%s %s\033[K", Accent(spinFrames[frame]), msg)
			select {
			case <-done:
				fmt.Fprint(os.Stderr, "\r\033[K")
				return
			case <-ticker.C:
			}
		}
	}()

	err := fn(ctx)
	close(done)
	<-stopped
	return err
}
