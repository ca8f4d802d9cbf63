package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"
	"github.com/tarm/serial"
	"go.uber.org/zap"

	"piouart-go/internal/probe"
	"piouart-go/types"
)

var (
	device string

	portCmd = &cobra.Command{
		Use:   "port",
		Short: "Run a probe script through a host serial adapter",
		Long: `Opens --device with the same line settings as the board's soft UART
and runs the script. Without --script the board is expected to echo.`,
		Args: cobra.NoArgs,
		RunE: runPort,
	}
)

func init() {
	portCmd.Flags().StringVarP(&device, "device", "d", "/dev/ttyUSB0", "serial device")
}

// tarmConfig maps a line config onto the adapter's settings. The adapter
// always sends two stop bits: the soft receiver needs half a bit of idle
// after each frame, and receivers only check the first stop bit. The read
// timeout only bounds each Read; expect timeouts come from the script.
func tarmConfig(name string, line types.LineConfig) *serial.Config {
	c := &serial.Config{
		Name:        name,
		Baud:        int(line.Baud),
		Size:        line.DataBits,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop2,
		ReadTimeout: 50 * time.Millisecond,
	}
	switch line.Parity {
	case types.ParityEven:
		c.Parity = serial.ParityEven
	case types.ParityOdd:
		c.Parity = serial.ParityOdd
	}
	return c
}

func runPort(cmd *cobra.Command, _ []string) error {
	if device == "" {
		return errors.New("--device is required")
	}
	line, err := lineConfig()
	if err != nil {
		return err
	}
	src, err := loadScript()
	if err != nil {
		return err
	}

	p, err := serial.OpenPort(tarmConfig(device, line))
	if err != nil {
		return err
	}
	defer p.Close()
	if err := p.Flush(); err != nil {
		log.Warn("flush", zap.Error(err))
	}
	log.Info("port open", zap.String("device", device), zap.Stringer("line", line))

	rep, err := probe.Run(cmd.Context(), p, src, probe.Options{Timeout: timeout})
	return report(cmd, rep, err)
}
