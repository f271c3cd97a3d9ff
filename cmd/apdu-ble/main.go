// Command apdu-ble exchanges APDUs with a Ledger-style hardware wallet over
// Bluetooth Low Energy.
//
// Usage:
//
//	apdu-ble exchange [-config path] [-device id] APDU...
//	apdu-ble replay -journal path [-paced] [APDU...]
//	apdu-ble init-config
//
// APDUs are hex strings, e.g. e0010000 (get app version on most apps).
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/apdu-ble/internal/ble"
	"github.com/chaz8081/apdu-ble/internal/ble/journal"
	"github.com/chaz8081/apdu-ble/internal/ble/protocol"
	"github.com/chaz8081/apdu-ble/internal/ble/session"
	"github.com/chaz8081/apdu-ble/internal/config"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "exchange":
		err = runExchange(ctx, os.Args[2:])
	case "replay":
		err = runReplay(ctx, os.Args[2:])
	case "init-config":
		err = runInitConfig()
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("apdu-ble %s: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: apdu-ble exchange|replay|init-config [flags] [APDU...]")
}

func runExchange(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("exchange", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (default: ~/.config/apdu-ble/config.yaml)")
	device := fs.String("device", "", "device address, overrides the config")
	timeout := fs.Duration("timeout", 30*time.Second, "time allowed for each APDU, including user confirmation")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *device != "" {
		cfg.Device = *device
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if cfg.Device == "" {
		return fmt.Errorf("no device: set device in the config or pass -device")
	}
	setupLogging(cfg)

	apdus, err := parseAPDUs(fs.Args())
	if err != nil {
		return err
	}

	opts := machineOptions(cfg)
	if cfg.Journal != "" {
		w, err := journal.Create(cfg.Journal)
		if err != nil {
			return err
		}
		defer w.Close()
		opts.Tap = w.Tap()
		slog.Info("[journal] recording", "path", cfg.Journal)
	}

	var transport ble.Transport
	switch cfg.Transport {
	case "bluez":
		transport = ble.NewBlueZTransport(cfg.Adapter)
	default:
		transport = ble.NewTinyGoTransport()
	}

	m := ble.NewMachine(transport, cfg.Device, opts)
	defer m.Clear()
	if err := m.Build(ctx); err != nil {
		return err
	}

	for _, apdu := range apdus {
		cmdCtx, cancel := context.WithTimeout(ctx, *timeout)
		payload, err := m.Exchange(cmdCtx, apdu)
		cancel()
		printResponse(apdu, payload, err)
		if _, ok := m.State().(session.Error); ok {
			return fmt.Errorf("connection failed: %v", m.State())
		}
	}
	return nil
}

func runReplay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	path := fs.String("journal", "", "journal file to replay")
	paced := fs.Bool("paced", false, "replay with the recorded timing")
	wait := fs.Duration("wait", 5*time.Second, "how long to wait for the replay to settle")
	level := fs.String("log-level", "info", "debug, info, warn or error")
	fs.Parse(args)

	if *path == "" {
		return fmt.Errorf("-journal is required")
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(*level)})))

	apdus, err := parseAPDUs(fs.Args())
	if err != nil {
		return err
	}
	entries, err := journal.ReadFile(*path)
	if err != nil {
		return err
	}

	opts := ble.DefaultOptions()
	// The journal carries its own ConnectTimeout if the original run had one.
	opts.ConnectTimeout = 24 * time.Hour
	m := ble.NewMachine(&journal.ReplayTransport{Entries: entries, Paced: *paced}, "replay", opts)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	states := m.Subscribe(subCtx)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for st := range states {
			fmt.Printf("state  %s\n", st)
		}
	}()

	// Submitting before Build makes the replay deterministic: each command
	// is dispatched the moment the session can take it.
	results := make(chan ble.Result, len(apdus))
	for _, apdu := range apdus {
		if _, err := m.Send(apdu, func(r ble.Result) { results <- r }); err != nil {
			return err
		}
	}
	if err := m.Build(ctx); err != nil {
		return err
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, *wait)
	defer waitCancel()
	if len(apdus) == 0 {
		<-waitCtx.Done()
	}
	got := 0
collect:
	for got < len(apdus) {
		select {
		case r := <-results:
			printResponse(apdus[got], r.Payload, r.Err)
			got++
		case <-waitCtx.Done():
			break collect
		}
	}

	m.Clear()
	for ; got < len(apdus); got++ {
		r := <-results
		printResponse(apdus[got], r.Payload, r.Err)
	}
	<-printed
	fmt.Printf("replayed %d events\n", len(entries))
	return nil
}

func runInitConfig() error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}
	return config.Default(), nil
}

func setupLogging(cfg *config.Config) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)})
	slog.SetDefault(slog.New(handler))
}

func machineOptions(cfg *config.Config) ble.Options {
	opts := ble.DefaultOptions()
	opts.ConnectTimeout = cfg.ConnectTimeout
	opts.RequestMTU = cfg.MTU.Request
	opts.DefaultMTU = cfg.MTU.Default
	opts.FrameOverhead = cfg.MTU.FrameOverhead
	opts.EventBuffer = cfg.EventBuffer
	opts.MaxResponseSize = cfg.MaxResponse
	opts.Profiles = cfg.Profiles()
	return opts
}

func parseAPDUs(args []string) ([][]byte, error) {
	apdus := make([][]byte, 0, len(args))
	for _, a := range args {
		b, err := hex.DecodeString(a)
		if err != nil {
			return nil, fmt.Errorf("apdu %q: %w", a, err)
		}
		apdus = append(apdus, b)
	}
	return apdus, nil
}

func printResponse(apdu, payload []byte, err error) {
	switch e := err.(type) {
	case nil:
		fmt.Printf("%x => %x %s\n", apdu, payload, protocol.StatusOK)
	case *protocol.StatusError:
		fmt.Printf("%x => %x %s\n", apdu, payload, e.Status)
	default:
		fmt.Printf("%x => error: %v\n", apdu, err)
	}
}
