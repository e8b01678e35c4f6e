package lockcmd

import (
	"fmt"
	"time"

	"stagehand/cmd/stagehand/cmdutil"
	"stagehand/cmd/stagehand/ui"

	"github.com/spf13/cobra"
)

// Cmd returns the "stagehand lock" command group.
func Cmd(open func() (*cmdutil.Session, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect or clear the reprovision failure lock",
	}
	cmd.AddCommand(statusCmd(open))
	cmd.AddCommand(clearCmd(open))
	return cmd
}

func statusCmd(open func() (*cmdutil.Session, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the failure lock is held",
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

			l, held, err := store.Get(cmd.Context())
			if err != nil {
				return err
			}
			if !held {
				fmt.Println(ui.SuccessMsg("reprovision failure lock is not held"))
				return nil
			}
			fmt.Println(ui.WarnMsg("reprovision failure lock is held"))
			fmt.Print(ui.KeyValues("  ",
				ui.KV("Since", l.AcquiredAt.UTC().Format(time.RFC3339)),
				ui.KV("Failure", l.Message),
			))
			return nil
		},
	}
}

func clearCmd(open func() (*cmdutil.Session, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Release the failure lock after the failure was dealt with",
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
			if err := store.Release(cmd.Context()); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("reprovision failure lock cleared"))
			return nil
		},
	}
}
