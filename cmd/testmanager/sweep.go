package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quan-xiao/testmanager/internal/config"
	"github.com/quan-xiao/testmanager/internal/exitcode"
)

func (c *cli) sweepCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one liveness sweep against the task store",
		Long: `Signs off every testbox whose heartbeat is older than dispatch.liveness_timeout
and whose progress deadline has passed, requeueing the tasks they held.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(_ *config.Config, comp *components) error {
				rep, sweepErr := comp.scheduler.Sweep(cmd.Context())
				if rep == nil {
					return withCode(exitcode.Failure, sweepErr)
				}
				if jsonOut {
					if err := c.printJSON(rep); err != nil {
						return withCode(exitcode.Failure, err)
					}
				} else {
					fmt.Fprintf(c.stdout, "checked %d testbox(es), expired %d, requeued %d task(s)\n",
						rep.Checked, len(rep.Expired), len(rep.Requeued))
					if len(rep.Expired) > 0 {
						fmt.Fprintf(c.stdout, "expired: %s\n", strings.Join(rep.Expired, ", "))
					}
					if len(rep.Requeued) > 0 {
						fmt.Fprintf(c.stdout, "requeued: %s\n", strings.Join(rep.Requeued, ", "))
					}
				}
				return withCode(exitcode.Failure, sweepErr)
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the sweep report as JSON")
	return cmd
}
