package main

import (
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchConfig reloads tuning values when the config file changes. Only zone
// setpoints are applied live; control constants and topology changes require
// a restart, which the reload logs so nobody waits on one.
func WatchConfig(path string, zones map[string]*ZoneRuntime) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory: editors replace the file rather than write in
	// place, which would drop a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				reloadConfig(path, zones)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("Config watcher error: %v", err)
			}
		}
	}()

	return watcher, nil
}

// reloadConfig re-parses the config and applies live-reloadable values.
func reloadConfig(path string, zones map[string]*ZoneRuntime) {
	config, err := LoadConfig(path)
	if err != nil {
		log.Printf("Config reload failed, keeping current config: %v", err)
		return
	}

	applied := 0
	for _, zc := range config.Zones {
		zone, ok := zones[zc.Name]
		if !ok {
			log.Printf("Config reload: new zone %q requires a restart", zc.Name)
			continue
		}
		zone.SetSetpoint(zc.Setpoint)
		applied++
	}
	log.Printf("Config reloaded: %d zone setpoints applied", applied)
}
