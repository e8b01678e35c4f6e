package upgradecmd

import (
	"fmt"
	"os"
	"strings"

	"stagehand"
	"stagehand/cmd/stagehand/cmdutil"
	"stagehand/cmd/stagehand/ui"
	"stagehand/internal/ensemble"
	"stagehand/internal/pipeline"
	"stagehand/internal/procedure"

	"github.com/spf13/cobra"
)

// Cmd returns the "stagehand upgrade" command group.
func Cmd(open func() (*cmdutil.Session, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Reprovision a shard or an ensemble onto a new image",
	}
	cmd.AddCommand(shardCmd(open))
	cmd.AddCommand(ensembleCmd(open))
	return cmd
}

func shardCmd(open func() (*cmdutil.Session, error)) *cobra.Command {
	var (
		topo     cmdutil.ShardFlags
		image    string
		members  []string
		leaderIP string
		legacy   bool
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "shard",
		Short: "Upgrade every member of a replicated database shard",
		Long: "Disables the shard outermost replica first, reprovisions every member\n" +
			"and enables the shard innermost first, observing each transition.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			shard, err := topo.Shard()
			if err != nil {
				return err
			}
			sess, err := open()
			if err != nil {
				return err
			}
			defer sess.Close()

			out := ui.NewOutput(os.Stderr)
			defer out.Close()
			d, err := sess.Deps(out)
			if err != nil {
				return err
			}
			if leaderIP == "" {
				leaderIP = sess.Config.Ensemble.LeaderIP
			}

			summary, err := procedure.UpgradeShard(cmd.Context(), d, procedure.ShardUpgrade{
				Shard:        shard,
				Image:        stagehand.Image{UUID: image},
				Ensemble:     members,
				LeaderIP:     leaderIP,
				EnsemblePort: sess.Config.Ensemble.Port,
				Legacy:       legacy,
				DryRun:       dryRun || sess.Config.DryRun,
			})
			return finish(summary, err)
		},
	}
	cmd.Flags().StringVar(&topo.Primary, "primary", "", "Primary member as <instance>@<host>")
	cmd.Flags().StringVar(&topo.Sync, "sync", "", "Sync member as <instance>@<host>")
	cmd.Flags().StringSliceVar(&topo.Async, "async", nil, "Async members as <instance>@<host>")
	cmd.Flags().StringVar(&image, "image", "", "Image UUID to reprovision onto")
	cmd.Flags().StringSliceVar(&members, "ensemble", nil, "Coordination ensemble member IPs used to find the leader")
	cmd.Flags().StringVar(&leaderIP, "leader-ip", "", "Ensemble leader IP, skipping the lookup")
	cmd.Flags().BoolVar(&legacy, "legacy-status", false, "Read shard status from the JSON status command")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report changes without applying them")
	_ = cmd.MarkFlagRequired("primary")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

func ensembleCmd(open func() (*cmdutil.Session, error)) *cobra.Command {
	var (
		nodes    []string
		image    string
		service  string
		tcpProbe bool
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "ensemble",
		Short: "Upgrade coordination ensemble members one at a time, leader last",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed := make([]procedure.EnsembleNode, 0, len(nodes))
			for _, n := range nodes {
				node, err := parseNode(n, service)
				if err != nil {
					return err
				}
				parsed = append(parsed, node)
			}
			if len(parsed) == 0 {
				return fmt.Errorf("at least one --node is required")
			}

			sess, err := open()
			if err != nil {
				return err
			}
			defer sess.Close()

			out := ui.NewOutput(os.Stderr)
			defer out.Close()
			d, err := sess.Deps(out)
			if err != nil {
				return err
			}
			if tcpProbe {
				d.Prober = &ensemble.TCPProber{Port: sess.Config.Ensemble.Port}
			} else {
				d.Prober = &ensemble.CommandProber{Exec: sess.Exec, Port: sess.Config.Ensemble.Port}
			}

			summary, err := procedure.UpgradeEnsemble(cmd.Context(), d, procedure.EnsembleUpgrade{
				Nodes:  parsed,
				Image:  stagehand.Image{UUID: image},
				DryRun: dryRun || sess.Config.DryRun,
			})
			return finish(summary, err)
		},
	}
	cmd.Flags().StringSliceVar(&nodes, "node", nil, "Member as <instance>@<host>=<ip>, repeatable")
	cmd.Flags().StringVar(&image, "image", "", "Image UUID to reprovision onto")
	cmd.Flags().StringVar(&service, "service", "binder", "Service name of the ensemble instances")
	cmd.Flags().BoolVar(&tcpProbe, "tcp-probe", false, "Probe members directly over TCP instead of through nc")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report changes without applying them")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

// parseNode parses "<instance>@<host>=<ip>".
func parseNode(s, service string) (procedure.EnsembleNode, error) {
	member, addr, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(addr) == "" {
		return procedure.EnsembleNode{}, fmt.Errorf("invalid node %q: want <instance>@<host>=<ip>", s)
	}
	m, err := cmdutil.ParseMember(member)
	if err != nil {
		return procedure.EnsembleNode{}, err
	}
	return procedure.EnsembleNode{
		Instance: stagehand.Instance{UUID: m.Instance, Service: service, Server: m.Host},
		Addr:     strings.TrimSpace(addr),
	}, nil
}

func finish(summary pipeline.Summary, err error) error {
	if err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%s failed", summary.Pipeline))
		cmdutil.PrintRunError(os.Stderr, err)
		return err
	}
	msg := ui.SuccessMsg("%s", summary)
	if summary.DryRun {
		msg = ui.WarnMsg("%s, nothing was changed", summary)
	}
	fmt.Fprintln(os.Stderr, msg)
	return nil
}
