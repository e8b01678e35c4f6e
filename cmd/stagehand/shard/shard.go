package shardcmd

import (
	"context"
	"fmt"

	"stagehand"
	"stagehand/cmd/stagehand/cmdutil"
	"stagehand/cmd/stagehand/ui"
	"stagehand/internal/ensemble"
	"stagehand/internal/shard"

	"github.com/spf13/cobra"
)

// Cmd returns the "stagehand shard" command group.
func Cmd(open func() (*cmdutil.Session, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shard",
		Short: "Inspect a replicated database shard",
	}
	cmd.AddCommand(statusCmd(open))
	return cmd
}

func statusCmd(open func() (*cmdutil.Session, error)) *cobra.Command {
	var (
		topo     cmdutil.ShardFlags
		leaderIP string
		legacy   bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the replication state of every shard member",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			topology, err := topo.Shard()
			if err != nil {
				return err
			}
			sess, err := open()
			if err != nil {
				return err
			}
			defer sess.Close()

			if leaderIP == "" {
				leaderIP = sess.Config.Ensemble.LeaderIP
			}
			var opts []shard.Option
			if leaderIP != "" {
				opts = append(opts, shard.WithLeaderAddr(ensemble.LeaderAddr(leaderIP, sess.Config.Ensemble.Port)))
			}
			if legacy {
				opts = append(opts, shard.WithLegacyStatus())
			}
			m := shard.New(sess.Exec, topology, opts...)

			var status stagehand.ShardStatus
			err = ui.RunWithSpinner(cmd.Context(), "Reading shard status", func(ctx context.Context) error {
				var err error
				status, err = m.Status(ctx)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Println(ui.Table([]string{"ROLE", "PEER", "PG", "REPL"}, statusRows(status)))
			return nil
		},
	}
	cmd.Flags().StringVar(&topo.Primary, "primary", "", "Primary member as <instance>@<host>")
	cmd.Flags().StringVar(&topo.Sync, "sync", "", "Sync member as <instance>@<host>")
	cmd.Flags().StringSliceVar(&topo.Async, "async", nil, "Async members as <instance>@<host>")
	cmd.Flags().StringVar(&leaderIP, "leader-ip", "", "Ensemble leader IP passed to the status query")
	cmd.Flags().BoolVar(&legacy, "legacy-status", false, "Read shard status from the JSON status command")
	_ = cmd.MarkFlagRequired("primary")
	return cmd
}

func statusRows(s stagehand.ShardStatus) [][]string {
	row := func(role string, m stagehand.MemberStatus) []string {
		return []string{role, m.Peer, ui.PG(m), m.Repl}
	}

	var rows [][]string
	if s.Primary != nil {
		rows = append(rows, row("primary", *s.Primary))
	}
	if s.Sync != nil {
		rows = append(rows, row("sync", *s.Sync))
	}
	for _, a := range s.Async {
		rows = append(rows, row("async", a))
	}
	for _, d := range s.Deposed {
		rows = append(rows, []string{ui.Warn("deposed"), d.Peer, d.PG, d.Repl})
	}
	return rows
}
