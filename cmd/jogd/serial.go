package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/jogd/internal/command"
	"github.com/mattjoyce/jogd/internal/config"
	"github.com/mattjoyce/jogd/internal/dispatch"
	"github.com/mattjoyce/jogd/internal/lock"
	"github.com/mattjoyce/jogd/internal/log"
	"github.com/mattjoyce/jogd/internal/transport"
)

// consolePacing is the gap the bench console leaves between frames.
const consolePacing = 500 * time.Millisecond

func runSerialNoun(args []string) int {
	if len(args) < 1 {
		printSerialNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSerialNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		return runSerialList(actionArgs)
	case "console":
		if hasHelpFlag(actionArgs) {
			printSerialConsoleHelp()
			return 0
		}
		return runSerialConsole(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown serial action: %s\n", action)
		return 1
	}
}

func printSerialNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: jogd serial <action> [flags]")
	fmt.Fprintln(w, "Actions: list, console")
}

func printSerialConsoleHelp() {
	fmt.Println("Usage: jogd serial console [--config PATH] [--device PATH] [--baud N] [--pacing 500ms] [--dry-run]")
	fmt.Println("Read jog tokens from stdin, one per line, and send them over the link.")
	fmt.Println("Type 'exit' to flush the queue and quit. --dry-run logs frames instead of opening the device.")
}

func runSerialList(args []string) int {
	if len(args) > 0 {
		fmt.Fprintln(os.Stderr, "Usage: jogd serial list")
		return 1
	}
	ports, err := transport.ListPorts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return 0
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return 0
}

func runSerialConsole(args []string) (code int) {
	var configPath, device string
	var baud int
	var pacing time.Duration
	var dryRun bool

	fs := flag.NewFlagSet("console", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration (transport settings are taken from it)")
	fs.StringVar(&device, "device", "", "Serial device, overrides the config")
	fs.IntVar(&baud, "baud", 0, "Baud rate, overrides the config")
	fs.DurationVar(&pacing, "pacing", consolePacing, "Delay after each frame")
	fs.BoolVar(&dryRun, "dry-run", false, "Log frames instead of writing to the device")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg := config.Defaults()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	if device != "" {
		cfg.Transport.Device = device
		cfg.Transport.Kind = config.TransportSerial
	}
	if baud != 0 {
		cfg.Transport.BaudRate = baud
	}
	if dryRun {
		cfg.Transport.Kind = config.TransportLog
	}

	// Frames from the log sink are only visible at info.
	level := "warn"
	if dryRun {
		level = "info"
	}
	log.SetupWithOptions(log.Options{Level: level, Format: "text"})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	target := lockTarget(cfg)
	devLock, err := lock.Acquire(cfg.Service.LockDir, target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = devLock.Release() }()

	sink, desc, err := openSink(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	disp := dispatch.New(sink, dispatch.WithPacing(pacing))
	disp.Start()
	defer func() {
		if err := disp.Shutdown(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			code = 1
		}
	}()

	fmt.Printf("Connected to %s, pacing %s. Type 'exit' to quit.\n", desc, pacing)
	if err := consoleLoop(ctx, os.Stdin, os.Stdout, disp); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// submitter is the part of the dispatcher the console feeds.
type submitter interface {
	Submit(ctx context.Context, cmd command.Command, submittedBy string) (dispatch.Receipt, error)
}

// consoleLoop reads one token per line until EOF, "exit" or ctx is
// cancelled. Unknown tokens are reported and skipped; a refused submission
// ends the loop. Nothing read after cancellation is submitted.
func consoleLoop(ctx context.Context, in io.Reader, out io.Writer, disp submitter) error {
	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	lines, scanErr := readLines(readCtx, in)
	for {
		if ctx.Err() != nil {
			fmt.Fprintln(out)
			return nil
		}
		fmt.Fprint(out, "> ")

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return <-scanErr
			}
			line = strings.TrimSpace(l)
		}

		switch {
		case line == "":
			continue
		case strings.EqualFold(line, "exit"):
			return nil
		}

		cmd, err := command.Parse(line)
		if err != nil {
			fmt.Fprintf(out, "%v (one of %s)\n", err, vocabulary())
			continue
		}
		if ctx.Err() != nil {
			fmt.Fprintln(out)
			return nil
		}
		receipt, err := disp.Submit(ctx, cmd, "console")
		if err != nil {
			return err
		}
		if len(receipt.Discarded) > 0 {
			fmt.Fprintf(out, "queued %s, discarded %d pending\n", cmd, len(receipt.Discarded))
			continue
		}
		fmt.Fprintf(out, "queued %s\n", cmd)
	}
}

// readLines scans in on its own goroutine so a blocked read never holds up
// cancellation. The goroutine stays parked on in until it returns; the
// console exits right after, so that is not reclaimed.
func readLines(ctx context.Context, in io.Reader) (<-chan string, <-chan error) {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()
	return lines, scanErr
}

func vocabulary() string {
	return strings.Join(commandTokens(), ", ")
}
