package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var (
	// CLI flags
	configPath = flag.String("config", "/config/config.yaml", "Path to configuration file")
	dryRun     = flag.Bool("dry-run", false, "Run with the in-memory state store (nothing persisted)")
	logLevel   = flag.String("log-level", "", "Override log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	// Load configuration
	config, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Override log level if specified
	if *logLevel != "" {
		config.Server.LogLevel = *logLevel
	}
	debug := config.Server.LogLevel == "debug"

	log.Printf("Starting zone controller (config: %s, %d zones)", *configPath, len(config.Zones))

	// Open the state store
	var store StateStore
	if *dryRun || config.Persistence.Memory {
		store = NewMemoryStore()
		log.Println("Using in-memory state store, learned state will not survive restart")
	} else {
		badgerStore, err := OpenBadgerStore(config.Persistence.Path)
		if err != nil {
			log.Fatalf("Failed to open state store: %v", err)
		}
		store = badgerStore
	}
	defer store.Close()

	// Initialize metrics
	InitMetrics()

	// Build zone runtimes, restoring learner state
	zones := make(map[string]*ZoneRuntime, len(config.Zones))
	for i := range config.Zones {
		zc := config.Zones[i]
		if zc.Sensor != "" {
			resolved, err := ResolveSensorPath(zc.Sensor)
			if err != nil {
				log.Fatalf("Zone %s: %v", zc.Name, err)
			}
			zc.Sensor = resolved
		}
		zone, err := NewZoneRuntime(zc, config.Control, config.Persistence, config.AutoApply.Enabled, store)
		if err != nil {
			log.Fatalf("Failed to initialize zone: %v", err)
		}
		zones[zc.Name] = zone
		log.Printf("Zone %s ready (%s, setpoint %.1f°C, confidence %.0f%%)",
			zc.Name, zc.HeatingType, zc.Setpoint, zone.Status(false).ConfidencePercent)
	}

	// Start the API + metrics server
	server := NewServer(zones, debug)
	server.Start(config.Server.ListenPort)

	// Watch the config file for live setpoint changes
	watcher, err := WatchConfig(*configPath, zones)
	if err != nil {
		log.Printf("Warning: config watching disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Run the control loop until shutdown
	done := make(chan struct{})
	go func() {
		runControlLoop(config, zones, done)
	}()

	<-sigChan
	log.Println("Received shutdown signal, flushing zone state...")
	close(done)

	for name, zone := range zones {
		zone.Flush()
		log.Printf("Zone %s state flushed", name)
	}
	log.Println("Zone controller stopped")
}

// runControlLoop executes the periodic per-zone control ticks until done is
// closed. Zones are independent; a slow zone never starves the others beyond
// one tick interval.
func runControlLoop(config *Config, zones map[string]*ZoneRuntime, done <-chan struct{}) {
	log.Printf("Starting control loop (interval: %v)", config.Control.TickInterval)

	ticker := time.NewTicker(config.Control.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			start := time.Now()
			for name, zone := range zones {
				zone.Tick(now)
				debt, mult := zone.DetectorGauges()
				updateDetectorMetrics(name, debt, mult)
			}
			observeTickDuration(time.Since(start).Seconds())
		}
	}
}
