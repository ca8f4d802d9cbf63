package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"piouart-go/types"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSimHello(t *testing.T) {
	out, err := execute(t, "sim", "--scale", "0", "--format", "7E2", "-n", "3")
	require.NoError(t, err, out)
	require.Contains(t, out, "steps=6 sent=15 received=15")
	require.Contains(t, out, "PASS")
}

func TestSimScriptFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.probe")
	require.NoError(t, os.WriteFile(path, []byte("send abc\nexpect xyz 20ms\n"), 0o644))

	out, err := execute(t, "sim", "--scale", "0", "--script", path)
	require.Error(t, err)
	require.NotContains(t, out, "PASS")
}

func TestScriptListing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ok.probe")
	require.NoError(t, os.WriteFile(path, []byte("# hi\nsendhex 0d0a\nexpect ok 1s\nsleep 10ms\n"), 0o644))

	out, err := execute(t, "script", path)
	require.NoError(t, err)
	require.Contains(t, out, `expect  "ok" (1s)`)
	require.Contains(t, out, "3 steps")
}

func TestTarmConfig(t *testing.T) {
	line, err := types.ParseFormat(9600, "7O2")
	require.NoError(t, err)
	c := tarmConfig("/dev/null", line)
	require.Equal(t, 9600, c.Baud)
	require.Equal(t, byte(7), c.Size)
	require.EqualValues(t, 'O', c.Parity)
	require.EqualValues(t, 2, c.StopBits)

	line, err = types.ParseFormat(115200, "8N1")
	require.NoError(t, err)
	c = tarmConfig("/dev/null", line)
	require.EqualValues(t, 'N', c.Parity)
	require.EqualValues(t, 2, c.StopBits, "idle gap for the soft receiver")
}
