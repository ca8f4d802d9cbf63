//go:build rp2040

// Wiring:
//
//	PIO TX GP2 -> PIO RX GP3    (loopback)
//	PIO TX GP6 -> UART1 RX GP5  (PIO to hardware)
//	UART1 TX GP4 -> PIO RX GP7  (hardware to PIO)
package main

import (
	"context"
	"machine"
	"time"

	"github.com/jangala-dev/tinygo-uartx/uartx"

	"piouart-go/bus"
	"piouart-go/pio"
	"piouart-go/pio/rp2"
	"piouart-go/pioserial"
	"piouart-go/services/config"
	"piouart-go/services/serial"
	"piouart-go/types"
)

const (
	baud        = 115200
	warmupDelay = 2 * time.Second
	stepTimeout = 3 * time.Second
	streamBytes = 4096
)

func main() {
	time.Sleep(warmupDelay)
	println("[pioserial] boot")

	pool := rp2.NewPool()
	cache := pioserial.NewProgramCache()
	line := types.LineConfig{Baud: baud}

	// Idle-high on the hardware receiver before it is muxed.
	machine.Pin(5).Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	u1 := uartx.UART1
	_ = u1.Configure(uartx.UARTConfig{BaudRate: baud, TX: machine.Pin(4), RX: machine.Pin(5)})
	// The PIO receiver's last sample lands half a bit past the stop bit, so
	// a back-to-back sender needs a second stop bit. PIO frames already
	// carry a trailing idle bit.
	_ = u1.SetFormat(8, 2, uartx.ParityNone)

	pass, fail := 0, 0
	report := func(name string, ok bool) {
		if ok {
			println("[PASS]", name)
			pass++
		} else {
			println("[FAIL]", name)
			fail++
		}
	}

	// ---- loopback ----
	loop := pioserial.New(pool, cache, 2, 3)
	if err := loop.Begin(line); err != nil {
		println("[pioserial] loopback begin:", err.Error())
	}
	report("hello loopback", helloLoopback(loop))
	report("stream loopback", streamLoopback(loop, streamBytes))
	for _, f := range []string{"7E1", "8O2", "5N1"} {
		l, _ := types.ParseFormat(baud, f)
		loop.End()
		_ = loop.Begin(l)
		report("format "+f, helloLoopback(loop))
	}
	loop.End()

	// ---- cross-check with the hardware UART ----
	cross := pioserial.New(pool, cache, 6, 7)
	if err := cross.Begin(line); err != nil {
		println("[pioserial] cross begin:", err.Error())
	}
	drainHW(u1)
	report("PIO -> UART1", pioToHW(cross, u1))
	report("UART1 -> PIO", hwToPIO(u1, cross))
	cross.End()

	// ---- same loopback driven through the bus service ----
	report("bus service", viaBus(pioserial.New(pool, cache, pio.NoPin, pio.NoPin)))

	println("")
	println("summary: passed =", pass, " failed =", fail,
		" free slots =", pool.FreeSlots(), " programs built =", cache.Created())

	machine.LED.Configure(machine.PinConfig{Mode: machine.PinOutput})
	for {
		machine.LED.High()
		time.Sleep(100 * time.Millisecond)
		machine.LED.Low()
		if fail == 0 {
			time.Sleep(1900 * time.Millisecond)
		} else {
			time.Sleep(200 * time.Millisecond)
		}
	}
}

// ---------------- tests ----------------

func helloLoopback(p *pioserial.Serial) bool {
	msg := []byte("Hello")
	if _, err := p.Write(msg); err != nil {
		println("  write:", err.Error())
		return false
	}
	for i, want := range msg {
		got, err := p.ReadByte()
		if err != nil {
			println("  byte", i, ":", err.Error())
			return false
		}
		if got != want {
			println("  byte", i, ": got", got, "want", want)
			return false
		}
	}
	return true
}

// streamLoopback writes a deterministic pattern in small bursts and
// compares FNV-1a hashes of what went out and what came back.
func streamLoopback(p *pioserial.Serial, total int) bool {
	const off = uint32(2166136261)
	const prime = uint32(16777619)
	txHash, rxHash := off, off
	gen := patternGenerator(0xA5)

	var out [8]byte
	var in [32]byte
	written, received := 0, 0
	deadline := time.Now().Add(stepTimeout)
	for (written < total || received < written) && time.Now().Before(deadline) {
		if written < total {
			k := min(len(out), total-written)
			fillPattern(out[:k], &gen)
			n, _ := p.Write(out[:k])
			for _, c := range out[:n] {
				txHash = (txHash ^ uint32(c)) * prime
			}
			written += n
		}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		n, _ := p.RecvSomeContext(ctx, in[:])
		cancel()
		for _, c := range in[:n] {
			rxHash = (rxHash ^ uint32(c)) * prime
		}
		received += n
	}
	println("  written =", written, " received =", received)
	return written == total && received == total && txHash == rxHash
}

func pioToHW(p *pioserial.Serial, u *uartx.UART) bool {
	msg := []byte("pio->hw")
	if _, err := p.Write(msg); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()
	return recvExact(ctx, u.RecvSomeContext, msg)
}

func hwToPIO(u *uartx.UART, p *pioserial.Serial) bool {
	msg := []byte("hw->pio")
	if _, err := u.Write(msg); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()
	return recvExact(ctx, p.RecvSomeContext, msg)
}

func viaBus(p *pioserial.Serial) bool {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.NewBus(8)
	go serial.Run(ctx, b.NewConnection("serial"), p)
	ui := b.NewConnection("ui")
	rx := ui.Subscribe(serial.TopicRx)
	defer ui.Unsubscribe(rx)

	// The embedded "pico" config puts the port back on GP2/GP3.
	cctx := context.WithValue(ctx, config.CtxDeviceKey, "pico")
	config.NewConfigService().Start(cctx, b.NewConnection("config"))
	time.Sleep(100 * time.Millisecond)

	rctx, rcancel := context.WithTimeout(ctx, stepTimeout)
	defer rcancel()
	reply, err := ui.RequestWait(rctx, ui.NewMessage(bus.T("serial", "control", "write"),
		types.SerialWrite{Data: []byte("bus")}, false))
	if err != nil {
		println("  write request:", err.Error())
		return false
	}
	if r, ok := reply.Payload.(types.Reply); !ok || !r.OK {
		println("  write refused")
		return false
	}

	var got []byte
	for len(got) < 3 {
		select {
		case m := <-rx.Channel():
			got = append(got, m.Payload.(types.SerialRx).Data...)
		case <-rctx.Done():
			println("  rx timeout, got", len(got))
			return false
		}
	}
	return string(got) == "bus"
}

// ---------------- helpers ----------------

func recvExact(ctx context.Context, recv func(context.Context, []byte) (int, error), want []byte) bool {
	got := make([]byte, 0, len(want))
	var tmp [16]byte
	for len(got) < len(want) {
		n, err := recv(ctx, tmp[:])
		if err != nil {
			println("  received", len(got), "of", len(want))
			return false
		}
		got = append(got, tmp[:n]...)
	}
	return string(got[:len(want)]) == string(want)
}

func drainHW(u *uartx.UART) {
	for u.Buffered() > 0 {
		_, _ = u.ReadByte()
	}
}

// Simple deterministic pattern generator (xorshift8 over byte).
type patGen struct{ s byte }

func patternGenerator(seed byte) patGen { return patGen{s: seed} }
func (g *patGen) next() byte {
	x := g.s
	x ^= x << 3
	x ^= x >> 5
	x ^= x << 1
	g.s = x
	return x
}
func fillPattern(dst []byte, g *patGen) {
	for i := range dst {
		dst[i] = g.next()
	}
}
