package config

// -----------------------------------------------------------------------------
// Embedded configuration
//
// Key: device ID (same value placed in ctx under CtxDeviceKey)
// Val: raw JSON bytes for that device
// -----------------------------------------------------------------------------

// Pico wiring used by cmd/pioserial-test: soft UART on GP2 (TX) and GP3 (RX).
const cfgPico = `{
  "serial": {
    "tx": 2,
    "rx": 3,
    "line": {"baud": 115200, "data_bits": 8, "parity": "none", "stop_bits": 1},
    "timeout_ms": 1000,
    "mode": "bytes",
    "max_frame": 64,
    "state_period_ms": 5000
  }
}`

var embeddedConfigs = map[string][]byte{
	"pico": []byte(cfgPico),
}
