package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/quan-xiao/testmanager/internal/exitcode"
	"github.com/quan-xiao/testmanager/internal/protocol"
)

type commandSchema struct {
	Command    protocol.Command     `json:"command"`
	Path       string               `json:"path"`
	Parameters []protocol.Parameter `json:"parameters"`
}

func (c *cli) protocolCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "protocol",
		Short: "Describe the testbox command protocol",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			schemas := make([]commandSchema, 0, len(protocol.Commands))
			for _, command := range protocol.Commands {
				schemas = append(schemas, commandSchema{
					Command:    command,
					Path:       "/testbox/" + string(command),
					Parameters: protocol.Parameters(command),
				})
			}
			if jsonOut {
				return withCode(exitcode.Failure, c.printJSON(schemas))
			}
			c.printSchemas(schemas)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the schema as JSON")
	return cmd
}

func (c *cli) printSchemas(schemas []commandSchema) {
	fmt.Fprintln(c.stdout, "Testbox commands are POSTed as form or JSON bodies.")
	for _, s := range schemas {
		fmt.Fprintf(c.stdout, "\nPOST %s\n", s.Path)
		w := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
		for _, p := range s.Parameters {
			req := "optional"
			if p.Required {
				req = "required"
			}
			typ := p.Type
			if len(p.Enum) > 0 {
				typ = strings.Join(p.Enum, "|")
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\n", p.Name, typ, req)
		}
		if s.Command == protocol.SignOn {
			fmt.Fprintf(w, "  %s*\tstring\toptional\n", protocol.CapabilityPrefix)
		}
		w.Flush()
	}
}
