package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chzyer/readline"

	"github.com/canjiangsu/EasyFlash/pkg/common/log"
	"github.com/canjiangsu/EasyFlash/pkg/config"
	"github.com/canjiangsu/EasyFlash/pkg/env"
	"github.com/canjiangsu/EasyFlash/pkg/flash"
	"github.com/canjiangsu/EasyFlash/pkg/snapshot"
	"github.com/canjiangsu/EasyFlash/pkg/stats"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".stats"),
	readline.PcItem(".exit"),
	readline.PcItem("GET"),
	readline.PcItem("SET"),
	readline.PcItem("DEL"),
	readline.PcItem("SAVE"),
	readline.PcItem("RELOAD"),
	readline.PcItem("PRINT"),
	readline.PcItem("DEFAULT"),
	readline.PcItem("EXPORT"),
	readline.PcItem("IMPORT"),
)

const helpText = `
flashenv - A wear-leveling flash environment store.

Usage:
  flashenv [options]

Options:
  -config string          - YAML configuration file (geometry, defaults)
  -device string          - Backing file for the flash window (overrides config)
  -debug                  - Enable debug logging

Commands:
  .help                   - Show this help message
  .stats                  - Show store statistics
  .exit                   - Exit the program

  GET key                 - Show the value stored under key
  SET key value           - Store a key/value pair (in RAM until SAVE)
  DEL key                 - Delete a key (in RAM until SAVE)
  SAVE                    - Flush the environment to flash
  RELOAD                  - Re-read the environment from flash
  PRINT                   - Dump the environment
  DEFAULT                 - Reset the environment to the configured defaults

  EXPORT path             - Write a compressed snapshot of the environment
  IMPORT path             - Replace the environment from a snapshot and save
`

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	devicePath := flag.String("device", "", "backing file for the flash window (overrides config)")
	debug := flag.Bool("debug", false, "enable debug logging")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "flashenv - A wear-leveling flash environment store\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: flashenv [options]\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nFor interactive commands, start flashenv and type .help\n")
	}
	flag.Parse()

	logger := log.New()
	if *debug {
		logger.SetLevel(log.LevelDebug)
	}
	log.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %s\n", err)
		os.Exit(1)
	}
	if *devicePath != "" {
		cfg.DevicePath = *devicePath
	}

	dev, closeDev, err := openDevice(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening device: %s\n", err)
		os.Exit(1)
	}
	defer closeDev()

	collector := stats.NewCollector()
	store, err := env.NewStore(cfg, dev, env.WithLogger(logger), env.WithStats(collector))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing environment: %s\n", err)
		os.Exit(1)
	}

	runInteractive(store, collector)
}

// loadConfig reads the configuration file, falling back to defaults when no
// file is given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.NewDefaultConfig(), nil
	}
	return config.LoadFromFile(path)
}

// openDevice opens the configured backing device: a file when a path is
// set, an in-memory window otherwise.
func openDevice(cfg *config.Config) (flash.Device, func(), error) {
	if cfg.DevicePath == "" {
		dev, err := flash.NewMemDevice(cfg.StartAddr, cfg.TotalSize, cfg.EraseSize)
		if err != nil {
			return nil, nil, err
		}
		fmt.Println("No device file configured, environment will not survive exit")
		return dev, func() {}, nil
	}

	dev, err := flash.OpenFileDevice(cfg.DevicePath, cfg.StartAddr, cfg.TotalSize, cfg.EraseSize)
	if err != nil {
		return nil, nil, err
	}
	return dev, func() { dev.Close() }, nil
}

// runInteractive starts the interactive CLI mode
func runInteractive(store *env.Store, collector *stats.Collector) {
	fmt.Println("flashenv version 1.0.0")
	fmt.Println("Enter .help for usage hints.")

	historyFile := filepath.Join(os.TempDir(), ".flashenv_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "flashenv> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if readErr == io.EOF {
				fmt.Println("Goodbye!")
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToUpper(parts[0])

		if strings.HasPrefix(cmd, ".") {
			switch strings.ToLower(cmd) {
			case ".help":
				fmt.Print(helpText)

			case ".stats":
				printStats(collector)

			case ".exit":
				fmt.Println("Goodbye!")
				return

			default:
				fmt.Printf("Unknown command: %s\n", parts[0])
			}
			continue
		}

		switch cmd {
		case "GET":
			if len(parts) != 2 {
				fmt.Println("Usage: GET key")
				continue
			}
			value, err := store.Get(parts[1])
			if err != nil {
				fmt.Printf("Error: %s\n", err)
				continue
			}
			fmt.Println(value)

		case "SET":
			if len(parts) < 3 {
				fmt.Println("Usage: SET key value")
				continue
			}
			value := strings.Join(parts[2:], " ")
			if err := store.Set(parts[1], value); err != nil {
				fmt.Printf("Error: %s\n", err)
				continue
			}
			fmt.Printf("Set %s = %s (RAM only, use SAVE to persist)\n", parts[1], value)

		case "DEL":
			if len(parts) != 2 {
				fmt.Println("Usage: DEL key")
				continue
			}
			if err := store.Delete(parts[1]); err != nil {
				fmt.Printf("Error: %s\n", err)
				continue
			}
			fmt.Printf("Deleted %s (RAM only, use SAVE to persist)\n", parts[1])

		case "SAVE":
			if err := store.Save(); err != nil {
				fmt.Printf("Error: %s\n", err)
				continue
			}
			fmt.Printf("Saved %d bytes at 0x%08X\n", store.UsedSize(), store.ActiveAddr())

		case "RELOAD":
			if err := store.Load(); err != nil {
				fmt.Printf("Error: %s\n", err)
				continue
			}
			fmt.Printf("Reloaded %d bytes from 0x%08X\n", store.UsedSize(), store.ActiveAddr())

		case "PRINT":
			store.Dump(os.Stdout)

		case "DEFAULT":
			if err := store.SetDefault(); err != nil {
				fmt.Printf("Error: %s\n", err)
				continue
			}
			fmt.Println("Environment reset to defaults")

		case "EXPORT":
			if len(parts) != 2 {
				fmt.Println("Usage: EXPORT path")
				continue
			}
			if err := exportSnapshot(store, parts[1]); err != nil {
				fmt.Printf("Error: %s\n", err)
				continue
			}
			fmt.Printf("Exported environment to %s\n", parts[1])

		case "IMPORT":
			if len(parts) != 2 {
				fmt.Println("Usage: IMPORT path")
				continue
			}
			n, err := importSnapshot(store, parts[1])
			if err != nil {
				fmt.Printf("Error: %s\n", err)
				continue
			}
			fmt.Printf("Imported %d records from %s\n", n, parts[1])

		default:
			fmt.Printf("Unknown command: %s\n", parts[0])
		}
	}
}

func exportSnapshot(store *env.Store, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return snapshot.Write(file, store)
}

func importSnapshot(store *env.Store, path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	snap, err := snapshot.Read(file)
	if err != nil {
		return 0, err
	}
	if err := snapshot.Restore(store, snap); err != nil {
		return 0, err
	}
	return len(snap.Records), nil
}

func printStats(collector *stats.Collector) {
	all := collector.GetStats()

	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Printf("%s: %v\n", k, all[k])
	}
}
