package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/quan-xiao/testmanager/internal/api"
	"github.com/quan-xiao/testmanager/internal/config"
	"github.com/quan-xiao/testmanager/internal/exitcode"
	"github.com/quan-xiao/testmanager/internal/store"
)

func (c *cli) testboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "testbox",
		Aliases: []string{"testboxes"},
		Short:   "Inspect and manage the testbox fleet",
	}
	cmd.AddCommand(c.testboxListCmd(), c.testboxDisableCmd())
	return cmd
}

func (c *cli) testboxListCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known testboxes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(_ *config.Config, comp *components) error {
				boxes, err := comp.store.ListTestBoxes(cmd.Context())
				if err != nil {
					return withCode(exitcode.Failure, err)
				}
				if jsonOut {
					views := make([]api.TestBoxView, 0, len(boxes))
					for _, b := range boxes {
						views = append(views, api.NewTestBoxView(b))
					}
					return withCode(exitcode.Failure, c.printJSON(views))
				}
				c.printTestBoxes(boxes, time.Now())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print testboxes as JSON")
	return cmd
}

func (c *cli) printTestBoxes(boxes []*store.TestBox, now time.Time) {
	if len(boxes) == 0 {
		fmt.Fprintln(c.stdout, "No testboxes registered")
		return
	}
	w := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tTASK\tADDRESS\tLAST SEEN\tCAPABILITIES")
	for _, b := range boxes {
		task := "-"
		if b.TaskID != nil {
			task = *b.TaskID
		}
		addr := b.Address
		if addr == "" {
			addr = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s ago\t%s\n",
			b.ID, b.State, task, addr, now.Sub(b.LastSeen).Round(time.Second), formatPairs(b.Capabilities))
	}
	w.Flush()
}

func (c *cli) testboxDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable TESTBOX_ID",
		Short: "Revoke a testbox until it signs on again",
		Long: `Moves the testbox to disabled. A task it holds goes back to pending with a
new generation, so any later report from the box is rejected as stale.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return c.withStore(cmd.Context(), func(_ *config.Config, comp *components) error {
				requeued, err := comp.engine.Disable(cmd.Context(), id)
				switch {
				case errors.Is(err, store.ErrNotFound):
					return withCode(exitcode.BadTestBox, fmt.Errorf("testbox %q not found", id))
				case errors.Is(err, store.ErrStateConflict):
					return withCode(exitcode.Failure, fmt.Errorf("testbox %q changed state concurrently; retry", id))
				case err != nil:
					return withCode(exitcode.Failure, err)
				}
				fmt.Fprintf(c.stdout, "disabled %s\n", id)
				if requeued != nil {
					fmt.Fprintf(c.stdout, "task %s is %s (generation %d)\n", requeued.ID, requeued.State, requeued.Generation)
				}
				return nil
			})
		},
	}
}
