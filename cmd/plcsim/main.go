// plcsim serves a simulated Modbus TCP PLC for bench testing linecap.
//
// It periodically pulses a trigger and rewrites a register block so each
// edge produces a capture. With -repeat N the block only changes every N
// pulses, which exercises duplicate suppression.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"linecap/logging"
	"linecap/modbus/sim"
)

var (
	listenAddr  = flag.String("listen", "127.0.0.1:5020", "Modbus TCP listen address")
	triggerKind = flag.String("trigger-type", "coil", "Trigger kind: coil or holding")
	triggerAddr = flag.Uint("trigger", 1, "Trigger address")
	blockStart  = flag.Uint("start", 100, "First register of the data block")
	blockRange  = flag.Uint("range", 5, "Registers in the data block")
	input       = flag.Bool("input", false, "Serve the data block from input registers")
	period      = flag.Duration("period", 2*time.Second, "Time between trigger pulses")
	pulseWidth  = flag.Duration("width", 500*time.Millisecond, "How long the trigger stays on")
	repeat      = flag.Int("repeat", 1, "Change the data block every N pulses")
	logDebug    = flag.Bool("log-debug", false, "Write request traces to plcsim-debug.log")
)

func main() {
	flag.Parse()

	if *triggerKind != "coil" && *triggerKind != "holding" {
		fmt.Fprintf(os.Stderr, "Error: -trigger-type must be coil or holding\n")
		os.Exit(1)
	}
	if *blockStart+*blockRange > 65536 || *triggerAddr > 65535 {
		fmt.Fprintf(os.Stderr, "Error: address out of range\n")
		os.Exit(1)
	}
	if *pulseWidth >= *period {
		fmt.Fprintf(os.Stderr, "Error: -width must be shorter than -period\n")
		os.Exit(1)
	}
	if *repeat < 1 {
		*repeat = 1
	}

	if *logDebug {
		dl, err := logging.NewDebugLogger("plcsim-debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not open debug log: %v\n", err)
		} else {
			logging.SetGlobalDebugLogger(dl)
			defer dl.Close()
		}
	}

	srv := sim.NewServer()
	if err := srv.Listen(*listenAddr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer srv.Close()
	fmt.Printf("Simulated PLC listening on %s\n", srv.Addr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*period)
	defer ticker.Stop()

	for pulse := 0; ; pulse++ {
		select {
		case sig := <-sigChan:
			fmt.Printf("\nReceived %v, %d requests served\n", sig, srv.Requests())
			return
		case <-ticker.C:
		}

		if pulse%*repeat == 0 {
			writeBlock(srv, pulse / *repeat)
		}
		setTrigger(srv, true)
		time.Sleep(*pulseWidth)
		setTrigger(srv, false)
		fmt.Printf("pulse %d\n", pulse+1)
	}
}

// writeBlock fills the data block with values derived from generation.
func writeBlock(srv *sim.Server, generation int) {
	values := make([]uint16, *blockRange)
	for i := range values {
		values[i] = uint16(generation*len(values) + i)
	}
	if *input {
		srv.SetInputRegisters(uint16(*blockStart), values...)
	} else {
		srv.SetHoldingRegisters(uint16(*blockStart), values...)
	}
}

func setTrigger(srv *sim.Server, on bool) {
	if *triggerKind == "coil" {
		srv.SetCoil(uint16(*triggerAddr), on)
		return
	}
	var v uint16
	if on {
		v = 1
	}
	srv.SetHoldingRegisters(uint16(*triggerAddr), v)
}
