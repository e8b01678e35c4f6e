package ensemble

import (
	"context"

	"stagehand"
)

// Prober queries one ensemble member. Errors mean the member could not be
// asked; the monitor treats them as not ready rather than failing.
type Prober interface {
	// Ruok reports whether the member answered the liveness probe with imok.
	Ruok(ctx context.Context, addr string) (bool, error)
	// Mode returns the coordination mode the member reports.
	Mode(ctx context.Context, addr string) (stagehand.Mode, error)
}
