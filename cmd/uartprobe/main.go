// Command uartprobe exercises a soft UART from the host, either through the
// simulated PIO substrate or through a USB-serial adapter wired to a board.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"piouart-go/internal/probe"
	"piouart-go/pio/sim"
	"piouart-go/types"
)

var (
	baud    uint32
	format  string
	timeout time.Duration
	script  string
	verbose bool

	log *zap.Logger

	rootCmd = &cobra.Command{
		Use:           "uartprobe",
		Short:         "Drive and check a PIO soft UART",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if verbose {
				log, err = zap.NewDevelopment()
			} else {
				log, err = zap.NewProduction()
			}
			if err != nil {
				return err
			}
			probe.SetLogger(log.Named("probe"))
			sim.SetLogger(log.Named("sim"))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = log.Sync()
		},
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.Uint32Var(&baud, "baud", types.DefaultBaud, "line speed")
	pf.StringVar(&format, "format", "8N1", "data bits, parity and stop bits")
	pf.DurationVar(&timeout, "timeout", probe.DefaultTimeout, "default expect timeout")
	pf.StringVar(&script, "script", "", "probe script file (default: Hello round trip)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "development logging")

	rootCmd.AddCommand(simCmd, portCmd, scriptCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "uartprobe:", err)
		os.Exit(1)
	}
}

// helloScript is the round trip run when no script is given.
const helloScript = `send Hello
expect Hello
`

func lineConfig() (types.LineConfig, error) {
	return types.ParseFormat(baud, format)
}

func loadScript() (string, error) {
	if script == "" {
		return helloScript, nil
	}
	b, err := os.ReadFile(script)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func report(cmd *cobra.Command, rep probe.Report, err error) error {
	fmt.Fprintf(cmd.OutOrStdout(), "steps=%d sent=%d received=%d\n", rep.Steps, rep.Sent, rep.Received)
	fmt.Fprintf(cmd.OutOrStdout(), "latency: %v\n", rep.Summary())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "PASS")
	return nil
}
