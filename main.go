package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"wifi-hunter/src"
)

func main() {
	if os.Geteuid() != 0 {
		log.Fatal("This program must be run as root")
	}

	workingDir, err := os.Getwd()
	if err != nil {
		log.Fatalf("Failed to get working directory: %v", err)
	}

	var (
		configPath = flag.String("config", "", "Path to YAML config file (optional)")
		iface      = flag.String("interface", "", "WiFi interface override (default: auto-select)")
		band       = flag.String("band", "", "WiFi band: 2.4, 5 or empty for both")
		mode       = flag.String("mode", "pentest", "Initial mode: pentest, wifi_passive, wifi_active, bluetooth, idle")
		clean      = flag.Bool("clean", false, "Clean store and captures, start fresh")
		enginePort = flag.Int("engine-port", 0, "Engine API port override")
		debug      = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	cfg := src.DefaultConfig(workingDir)
	if *configPath != "" {
		cfg, err = src.LoadConfig(*configPath, workingDir)
		if err != nil {
			log.Fatalf("Config load failed: %v", err)
		}
	}
	if *iface != "" {
		cfg.Interface = *iface
	}
	if *band != "" {
		cfg.Band = *band
	}
	if *enginePort != 0 {
		cfg.Engine.APIPort = *enginePort
	}
	if *debug {
		cfg.Log.Debug = true
	}

	if err := src.InitLogging(cfg.Log); err != nil {
		log.Fatalf("Logging setup failed: %v", err)
	}

	if *clean {
		if err := src.NewCleaner(cfg).Clean(); err != nil {
			log.Fatalf("Clean failed: %v", err)
		}
	}

	initialMode, err := src.ParseMode(*mode)
	if err != nil {
		flag.Usage()
		log.Fatalf("Error: %v", err)
	}

	store, err := src.NewStore(cfg.DBPath, cfg.Retention)
	if err != nil {
		log.Fatalf("Store setup failed: %v", err)
	}
	defer store.Close()

	adapters := src.NewAdapterManager()
	engine := src.NewEngine(cfg.Engine)
	defer engine.Stop()
	hunter := src.NewWirelessHunter(cfg, engine)
	bus := src.NewEventBus()

	// The bluetooth hunter is an optional collaborator wired in by the
	// surrounding device firmware; this binary runs without it.
	manager := src.NewModeManager(cfg, store, hunter, adapters, nil, bus)
	manager.Start()
	defer manager.Stop()

	if initialMode != src.ModePentest {
		if res := manager.SwitchMode(initialMode); !res.OK {
			log.Fatalf("Failed to enter initial mode: %s", res.Message)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
}
