package config

import (
	"bytes"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/slamserver/internal/fsutil"
	"github.com/banshee-data/slamserver/internal/slam/sensorfeed"
)

// Settings is the session settings file handed to the engine. Its name,
// {sensor}_data_{timestamp}.yaml, also fixes the sensor and the session start.
type Settings struct {
	Path      string
	Sensor    string
	StartTime float64 // seconds since the epoch
	Values    map[string]any
}

const settingsExt = ".yaml"

// SelectSettings picks the most recently modified .yaml file in dir. In live
// mode only files whose name contains sensor are considered; otherwise the
// sensor is taken from the chosen file's name.
func SelectSettings(fsys fsutil.FileSystem, dir, sensor string, live bool) (*Settings, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings in %s: %w", dir, err)
	}

	var (
		latest   fs.DirEntry
		latestTm time.Time
	)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != settingsExt {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), settingsExt)
		if live && !strings.Contains(stem, sensor) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if latest == nil || info.ModTime().After(latestTm) {
			latest, latestTm = e, info.ModTime()
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("no correctly formatted .yaml file found in %s, expected {sensor}_data_{dateformat}.yaml", dir)
	}

	stem := strings.TrimSuffix(latest.Name(), settingsExt)
	if !strings.Contains(stem, "_data_") {
		return nil, fmt.Errorf("no correctly formatted .yaml file found, expected {sensor}_data_{dateformat}.yaml as the most recent config in %s", dir)
	}
	start, err := sensorfeed.ParseTimestamp(stem)
	if err != nil {
		return nil, err
	}

	s := &Settings{
		Path:      filepath.Join(dir, latest.Name()),
		Sensor:    sensor,
		StartTime: start,
	}
	if !live {
		s.Sensor = sensorfeed.SensorOf(stem)
	}

	data, err := fsys.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	s.Values, err = ParseSettings(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", s.Path, err)
	}
	return s, nil
}

// ParseSettings decodes an engine settings file. OpenCV-style files start
// with a %YAML:1.0 directive and tag matrices with !!opencv-matrix; both are
// accepted.
func ParseSettings(data []byte) (map[string]any, error) {
	if bytes.HasPrefix(data, []byte("%YAML:")) {
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		} else {
			data = nil
		}
	}
	data = bytes.ReplaceAll(data, []byte("!!opencv-matrix"), nil)

	values := map[string]any{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, err
	}
	return values, nil
}
