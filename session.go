package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/banshee-data/slamserver/internal/config"
	"github.com/banshee-data/slamserver/internal/fsutil"
	"github.com/banshee-data/slamserver/internal/mapdb"
	"github.com/banshee-data/slamserver/internal/monitoring"
	"github.com/banshee-data/slamserver/internal/slam"
	"github.com/banshee-data/slamserver/internal/slam/ingest"
	"github.com/banshee-data/slamserver/internal/slam/monitor"
	"github.com/banshee-data/slamserver/internal/slam/persist"
	"github.com/banshee-data/slamserver/internal/slam/rpc"
	"github.com/banshee-data/slamserver/internal/slam/sensorfeed"
	"github.com/banshee-data/slamserver/internal/slam/statecache"
	"github.com/banshee-data/slamserver/internal/slam/synthetic"
)

// run serves one SLAM session until ctx is cancelled. Errors returned before
// the server starts are startup failures.
func run(ctx context.Context, cfg *config.ServiceConfig, fsys fsutil.FileSystem) error {
	settings, err := config.SelectSettings(fsys, cfg.SettingsPath(), cfg.Sensor, cfg.UseLiveData)
	if err != nil {
		return err
	}
	monitoring.Debugf("Using settings %s, session start %.4f", settings.Path, settings.StartTime)

	mode, err := slam.ParseSensorMode(cfg.Mode)
	if err != nil {
		return err
	}
	if mode.Paired() {
		monitoring.Logf("RGBD selected")
	} else {
		monitoring.Logf("Mono selected")
	}

	var index *mapdb.DB
	sessionID := ""
	if path := cfg.ArchiveDBPath(); path != "" {
		if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create archive index directory: %w", err)
		}
		index, err = mapdb.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open archive index: %w", err)
		}
		defer index.Close()
		sessionID, err = index.StartSession(ctx, settings.Sensor, string(mode), cfg.UseLiveData, time.Now())
		if err != nil {
			return err
		}
	}

	engine, err := newEngine(cfg, settings, fsys)
	if err != nil {
		return err
	}
	guard := slam.NewEngineGuard()
	guard.Attach(engine)

	cache := statecache.New()
	server := rpc.NewServer(cfg.ListenAddr(), rpc.NewService(guard, cache, settings.Sensor))
	if err := server.Start(); err != nil {
		guard.Detach()
		engine.Shutdown()
		return err
	}

	feed := sensorfeed.New(fsys, cfg.DataPath(), settings.Sensor, mode)
	loop := ingest.New(feed, guard, cache, nil, ingest.Config{
		StartTime:       settings.StartTime,
		FrameDelay:      cfg.FrameDelay(),
		DeleteProcessed: cfg.DeleteProcessedData,
	})
	var recorder *monitor.TrajectoryRecorder
	if cfg.Debug {
		recorder = monitor.NewTrajectoryRecorder(fsys, settings.Sensor)
		loop.SetRecorder(recorder)
	}

	persister := persist.New(guard, fsys, nil, persist.Config{
		Interval:  cfg.MapInterval(),
		MapDir:    cfg.MapPath(),
		Sensor:    settings.Sensor,
		Compress:  cfg.CompressArchives,
		SessionID: sessionID,
	})
	if index != nil {
		persister.SetIndex(index)
	}
	if !cfg.UseLiveData {
		persister.SetReplayDone(loop.Finished())
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := persister.Run(ctx); err != nil {
			monitoring.Logf("[Persist] %v", err)
		}
	}()

	if cfg.UseLiveData {
		monitoring.Logf("Running in online mode")
		if err := loop.Run(ctx, true); err != nil {
			monitoring.Logf("[Ingest] %v", err)
		}
	} else {
		monitoring.Logf("Running in offline mode")
		if err := loop.Run(ctx, false); err != nil {
			monitoring.Logf("[Ingest] %v", err)
		}
		// Keep answering queries about the finished map.
		<-ctx.Done()
	}
	wg.Wait()

	server.Stop()
	if e := guard.Detach(); e != nil {
		if err := e.Shutdown(); err != nil {
			monitoring.Logf("Engine shutdown failed: %v", err)
		}
	}

	if index != nil {
		if err := index.EndSession(context.Background(), sessionID, time.Now(), loop.Pushed()); err != nil {
			monitoring.Logf("[MapDB] %v", err)
		}
	}
	if recorder != nil {
		files, err := recorder.Save(filepath.Join(cfg.MapPath(), "debug"), time.Now())
		if err != nil {
			monitoring.Logf("Failed to save trajectory plot: %v", err)
		}
		for _, f := range files {
			monitoring.Logf("Saved trajectory plot %s", f)
		}
	}

	monitoring.Logf("System shutdown")
	return nil
}

// newEngine builds the configured tracking engine. In pure localization mode
// the newest archive for the sensor, if any, is loaded as the map.
func newEngine(cfg *config.ServiceConfig, settings *config.Settings, fsys fsutil.FileSystem) (slam.Engine, error) {
	if cfg.Engine != config.EngineSynthetic {
		return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}

	opts := synthetic.Options{Settings: settings.Values}
	if cfg.PureLocalization() {
		monitoring.Logf("Setting SLAM to localization mode")
		opts.Localization = true

		path, err := persist.LatestArchive(fsys, cfg.MapPath(), settings.Sensor)
		switch {
		case err == nil:
			r, err := persist.OpenArchive(fsys, path)
			if err != nil {
				return nil, err
			}
			opts.State = r
			monitoring.Logf("Localizing against %s", path)
		case errors.Is(err, persist.ErrNoArchive), errors.Is(err, fs.ErrNotExist):
			monitoring.Logf("No saved map for sensor %s, localizing against an empty map", settings.Sensor)
		default:
			return nil, err
		}
	}
	eng, err := synthetic.New(opts)
	if err != nil {
		return nil, err
	}
	return eng, nil
}
