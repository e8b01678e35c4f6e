package historycmd

import (
	"fmt"
	"time"

	"stagehand/cmd/stagehand/cmdutil"
	"stagehand/cmd/stagehand/ui"
	"stagehand/internal/pipeline"

	"github.com/spf13/cobra"
)

// Cmd returns the "stagehand history" command.
func Cmd(open func() (*cmdutil.Session, error)) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent upgrade runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := open()
			if err != nil {
				return err
			}
			defer sess.Close()
			store, err := sess.Store()
			if err != nil {
				return err
			}

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println(ui.Muted("no runs recorded"))
				return nil
			}

			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				outcome := r.Outcome
				if outcome == pipeline.OutcomeFailed {
					outcome = ui.Failure(outcome + " at " + r.FailedStep)
				}
				rows = append(rows, []string{
					r.FinishedAt.Local().Format(time.DateTime),
					r.Pipeline,
					outcome,
					r.Elapsed.Round(time.Second).String(),
					r.RunID,
				})
			}
			fmt.Println(ui.Table([]string{"FINISHED", "PIPELINE", "OUTCOME", "ELAPSED", "RUN"}, rows))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show, 0 for all")
	return cmd
}
