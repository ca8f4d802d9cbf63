package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"piouart-go/internal/probe"
)

var scriptCmd = &cobra.Command{
	Use:   "script <file>",
	Short: "Check a probe script and list its steps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		steps, err := probe.Parse(string(b))
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, st := range steps {
			switch st.Op {
			case probe.OpSleep:
				fmt.Fprintf(out, "%4d  sleep   %v\n", st.Line, st.Timeout)
			case probe.OpExpect:
				t := "default"
				if st.Timeout > 0 {
					t = st.Timeout.String()
				}
				fmt.Fprintf(out, "%4d  expect  %q (%s)\n", st.Line, st.Data, t)
			default:
				fmt.Fprintf(out, "%4d  %-6s  %q\n", st.Line, st.Op, st.Data)
			}
		}
		fmt.Fprintf(out, "%d steps\n", len(steps))
		return nil
	},
}
