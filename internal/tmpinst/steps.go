package tmpinst

import (
	"context"

	"stagehand/internal/pipeline"
)

// Binding locates the pipeline context and temporary-instance state inside
// a procedure's run context.
type Binding[C pipeline.RunContext] func(c C) (*pipeline.Context, *State)

// Setup returns the steps that bring the temporary instance up, in order.
func Setup[C pipeline.RunContext](m *Manager, bind Binding[C]) []pipeline.Step[C] {
	return []pipeline.Step[C]{
		bound("check-ha", "Check service HA", m.CheckHA, bind),
		bound("provision-tmp", "Provision temporary instance", m.Provision, bind),
		bound("resolve-tmp", "Resolve temporary instance id", m.ResolveID, bind),
		bound("wait-tmp", "Wait for temporary instance", m.WaitUp, bind),
		bound("check-tmp-errors", "Check temporary instance services", m.CheckErrors, bind),
	}
}

// Teardown returns the steps that remove the temporary instance, in order.
func Teardown[C pipeline.RunContext](m *Manager, bind Binding[C]) []pipeline.Step[C] {
	return []pipeline.Step[C]{
		bound("stop-tmp", "Stop temporary instance", m.Stop, bind),
		bound("destroy-tmp", "Destroy temporary instance", m.Destroy, bind),
	}
}

func bound[C pipeline.RunContext](
	name, title string,
	fn func(context.Context, *pipeline.Context, *State) error,
	bind Binding[C],
) pipeline.Step[C] {
	return pipeline.Step[C]{
		Name:  name,
		Title: title,
		Run: func(ctx context.Context, c C) error {
			pc, st := bind(c)
			return fn(ctx, pc, st)
		},
	}
}
