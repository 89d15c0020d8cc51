package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/tinyrange/irqroute/internal/ioapic"
	"github.com/tinyrange/irqroute/internal/machine"
)

func run() error {
	cmdline := flag.String("cmdline", "", "kernel command line, overrides the machine file (noapic, pirq=)")
	runFor := flag.Duration("run", time.Second, "virtual time to run after bring-up")
	verbose := flag.Bool("v", false, "log routing decisions")
	noColor := flag.Bool("no-color", false, "never style dump headings")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `irqroute - bring up IO-APIC interrupt routing on a simulated PC

USAGE:
  irqroute [flags] <machine.yaml>

FLAGS:
  -cmdline STR   Kernel command line (noapic, pirq=a,b,...)
  -run DUR       Virtual time to run after bring-up (default 1s)
  -v             Debug logging
  -no-color      Plain dump output

The machine file describes the firmware tables and how the board is
really wired. After bring-up the routing state is dumped and the timer
is run to show which fallback path delivers it.
`)
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	spec, err := machine.LoadSpec(flag.Arg(0))
	if err != nil {
		return err
	}
	if *cmdline != "" {
		spec.Firmware.Cmdline = *cmdline
	}

	halted := false
	m, err := machine.New(spec,
		machine.WithLogger(log),
		machine.WithHalter(ioapic.HalterFunc(func(reason string) {
			halted = true
			fmt.Fprintf(os.Stderr, "Kernel panic - not syncing: %s\n", reason)
		})),
	)
	if err != nil {
		return err
	}

	sub, err := m.Boot()
	if err != nil {
		return err
	}

	heading := func(s string) string { return s }
	if !*noColor && term.IsTerminal(int(os.Stdout.Fd())) {
		bold := ansi.Style{}.Bold()
		heading = bold.Styled
	}
	if err := sub.DumpStyled(os.Stdout, heading); err != nil {
		return err
	}
	for _, w := range sub.Warnings() {
		fmt.Printf("warning: %s: %s\n", w.Kind, w.Message)
	}
	if halted {
		os.Exit(2)
	}

	before := m.Ticks()
	m.Run(*runFor)
	fmt.Printf("timer: %d ticks in %s\n", m.Ticks()-before, *runFor)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "irqroute: %v\n", err)
		os.Exit(1)
	}
}
