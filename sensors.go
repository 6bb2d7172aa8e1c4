package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ReadSensorFile reads a zone temperature from a sysfs-style sensor file.
// hwmon temp files report millidegrees; values that large are scaled down,
// smaller values are taken as plain degrees Celsius so 1-wire and file-based
// test fixtures work unchanged.
func ReadSensorFile(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read sensor %s: %w", path, err)
	}

	raw := strings.TrimSpace(string(data))
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse sensor value %q from %s: %w", raw, path, err)
	}

	// Millidegree scale: no room is at 200°C.
	if value > 200 || value < -200 {
		value /= 1000.0
	}
	return value, nil
}

// FindHwmonSensor searches /sys/class/hwmon for a device with the given name
// and returns the path of its first temperature input. Lets a zone be
// configured with a sensor name instead of a full sysfs path.
func FindHwmonSensor(name string) (string, error) {
	matches, err := filepath.Glob("/sys/class/hwmon/hwmon*/name")
	if err != nil {
		return "", fmt.Errorf("failed to search hwmon directories: %w", err)
	}

	for _, namePath := range matches {
		content, err := os.ReadFile(namePath)
		if err != nil {
			continue // Skip files we can't read
		}
		if strings.TrimSpace(string(content)) == name {
			return filepath.Join(filepath.Dir(namePath), "temp1_input"), nil
		}
	}

	return "", fmt.Errorf("hwmon sensor %q not found in /sys/class/hwmon/", name)
}

// ResolveSensorPath turns a zone's sensor setting into a readable file path.
// An absolute path is used as-is; anything else is treated as an hwmon
// device name.
func ResolveSensorPath(sensor string) (string, error) {
	if sensor == "" {
		return "", nil
	}
	if filepath.IsAbs(sensor) {
		return sensor, nil
	}
	return FindHwmonSensor(sensor)
}
