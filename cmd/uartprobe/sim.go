package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"piouart-go/internal/probe"
	"piouart-go/pio"
	"piouart-go/pio/sim"
	"piouart-go/pioserial"
)

var (
	simTX, simRX int
	simScale     float64
	simRepeat    int

	simCmd = &cobra.Command{
		Use:   "sim",
		Short: "Run a probe script against a simulated soft UART",
		Long: `Brings up a soft UART on the simulated PIO blocks with the TX pin
jumpered to the RX pin and runs the script (or the Hello round trip)
against it. Use the same pin for --tx and --rx for a single-wire loopback.`,
		Args: cobra.NoArgs,
		RunE: runSim,
	}
)

func init() {
	f := simCmd.Flags()
	f.IntVar(&simTX, "tx", 2, "transmit GPIO")
	f.IntVar(&simRX, "rx", 3, "receive GPIO")
	f.Float64Var(&simScale, "scale", 1, "line time scale (0 = instant, 1 = real baud)")
	f.IntVarP(&simRepeat, "repeat", "n", 1, "run the script this many times")
}

func runSim(cmd *cobra.Command, _ []string) error {
	line, err := lineConfig()
	if err != nil {
		return err
	}
	src, err := loadScript()
	if err != nil {
		return err
	}
	if simRepeat > 1 {
		src = strings.Repeat(src+"\n", simRepeat)
	}

	s := sim.New(sim.Options{TimeScale: simScale})
	defer s.Close()
	if simTX != simRX {
		s.Connect(pio.Pin(simTX), pio.Pin(simRX))
	}

	port := pioserial.New(s.Pool(), pioserial.NewProgramCache(), pio.Pin(simTX), pio.Pin(simRX))
	port.SetTimeout(timeout)
	if err := port.Begin(line); err != nil {
		return err
	}
	defer port.End()

	log.Info("sim port up",
		zap.Stringer("line", line),
		zap.Int("tx", simTX),
		zap.Int("rx", simRX),
		zap.Float64("scale", simScale))

	rep, err := probe.Run(cmd.Context(), port, src, probe.Options{Timeout: timeout})
	st := port.Stats()
	log.Info("sim done",
		zap.Uint32("sent", st.Sent),
		zap.Uint32("received", st.Received),
		zap.Int("overflows", s.Overflows()))
	if n := s.Overflows(); n > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "receive FIFO overflows: %d\n", n)
	}
	return report(cmd, rep, err)
}
