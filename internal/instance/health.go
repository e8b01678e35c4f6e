package instance

import (
	"context"
	"strings"

	"stagehand"
	"stagehand/internal/svcctl"
)

// HealthChecker lists outstanding service problems inside an instance.
type HealthChecker interface {
	Health(ctx context.Context, host, zone string) ([]stagehand.HealthError, error)
}

// SvcsHealth reads service problems from `svcs -x` on the instance's server.
type SvcsHealth struct {
	Svc svcctl.Control
}

var _ HealthChecker = SvcsHealth{}

func (h SvcsHealth) Health(ctx context.Context, host, zone string) ([]stagehand.HealthError, error) {
	out, err := h.Svc.Explain(ctx, host, zone)
	if err != nil {
		return nil, err
	}
	return ParseExplain(out), nil
}

// ParseExplain splits `svcs -x` output into one HealthError per service
// block. Blocks are separated by blank lines and start with the FMRI.
func ParseExplain(out string) []stagehand.HealthError {
	var errs []stagehand.HealthError
	var block []string

	flush := func() {
		if len(block) == 0 {
			return
		}
		fields := strings.Fields(block[0])
		svc := ""
		if len(fields) > 0 {
			svc = fields[0]
		}
		errs = append(errs, stagehand.HealthError{Service: svc, Message: strings.Join(block, "\n")})
		block = nil
	}

	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		block = append(block, strings.TrimRight(line, " \t\r"))
	}
	flush()
	return errs
}
