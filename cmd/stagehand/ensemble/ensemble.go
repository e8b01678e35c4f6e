package ensemblecmd

import (
	"context"
	"fmt"

	"stagehand"
	"stagehand/cmd/stagehand/cmdutil"
	"stagehand/cmd/stagehand/ui"
	"stagehand/internal/ensemble"

	"github.com/spf13/cobra"
)

// Cmd returns the "stagehand ensemble" command group.
func Cmd(open func() (*cmdutil.Session, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ensemble",
		Short: "Inspect the coordination ensemble",
	}
	cmd.AddCommand(statusCmd(open))
	return cmd
}

func statusCmd(open func() (*cmdutil.Session, error)) *cobra.Command {
	var (
		members  []string
		tcpProbe bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the mode of every ensemble member",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(members) == 0 {
				return fmt.Errorf("at least one --member is required")
			}
			sess, err := open()
			if err != nil {
				return err
			}
			defer sess.Close()

			var prober ensemble.Prober = &ensemble.CommandProber{Exec: sess.Exec, Port: sess.Config.Ensemble.Port}
			if tcpProbe {
				prober = &ensemble.TCPProber{Port: sess.Config.Ensemble.Port}
			}
			mon := ensemble.NewMonitor(prober, members, ensemble.WithFanout(sess.Config.Fanout.Limit))

			var status stagehand.EnsembleStatus
			err = ui.RunWithSpinner(cmd.Context(), "Probing ensemble", func(ctx context.Context) error {
				var err error
				status, err = mon.Status(ctx)
				return err
			})
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(status.Members))
			for _, m := range status.Members {
				rows = append(rows, []string{m.Addr, ui.Mode(m.Mode)})
			}
			fmt.Println(ui.Table([]string{"MEMBER", "MODE"}, rows))

			if leader, ok := status.UniqueLeader(); ok {
				fmt.Println(ui.SuccessMsg("converged, leader %s", leader))
			} else {
				fmt.Println(ui.WarnMsg("not converged on a single leader"))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&members, "member", nil, "Member IP, repeatable")
	cmd.Flags().BoolVar(&tcpProbe, "tcp-probe", false, "Probe members directly over TCP instead of through nc")
	return cmd
}
