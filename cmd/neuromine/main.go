// Command neuromine runs the hybrid biological/traditional mining engine:
// it trains the network on a synthetic curriculum, acquires electrode
// signals, and serves the mining API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"neuromine/internal/config"
	"neuromine/internal/logging"
	"neuromine/internal/mea"
	"neuromine/internal/mining"
	"neuromine/internal/neural"
	"neuromine/internal/server"
	"neuromine/internal/store"
)

func main() {
	envPath := flag.String("env", "", "path to .env file (default: ./.env if present)")
	skipTraining := flag.Bool("skip-training", false, "skip initial learning and serve immediately")
	progress := flag.Bool("progress", true, "show a training progress bar")
	flag.Parse()

	if err := run(*envPath, *skipTraining, *progress); err != nil {
		fmt.Fprintf(os.Stderr, "neuromine: %v\n", err)
		os.Exit(1)
	}
}

func run(envPath string, skipTraining, progress bool) error {
	cfg, err := config.Load(envPath)
	if err != nil {
		return err
	}

	log, err := logging.NewLogger(&logging.Config{Level: cfg.LogLevel, Output: cfg.LogOutput})
	if err != nil {
		return err
	}
	defer log.Close()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	snapshots, err := store.OpenSnapshotStore(filepath.Join(cfg.DataDir, "snapshots.db"))
	if err != nil {
		return err
	}
	defer snapshots.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledger := store.NewLedger(filepath.Join(cfg.DataDir, "attempts.db"))
	if err := ledger.Init(ctx); err != nil {
		return err
	}
	defer ledger.Close()

	netCfg := neural.DefaultConfig(cfg.ElectrodeCount)
	netCfg.HiddenSizes = cfg.HiddenSizes
	netCfg.LearningRate = cfg.LearningRate
	netCfg.MaxEpochs = cfg.MaxEpochs
	net, err := neural.NewNetwork(netCfg, log)
	if err != nil {
		return err
	}

	restored := false
	if snap, err := snapshots.LoadLatest(); err == nil {
		if err := net.Restore(snap); err != nil {
			log.Warn("stored snapshot rejected, starting fresh: %v", err)
		} else {
			restored = true
			log.Info("restored network snapshot from %s", snap.SavedAt.Format(time.RFC3339))
		}
	} else if err != store.ErrNoSnapshot {
		log.Warn("snapshot load failed: %v", err)
	}

	var source mea.Source
	if cfg.DeviceURL != "" {
		source = mea.NewDevice(cfg.DeviceURL)
		log.Info("using acquisition device at %s", cfg.DeviceURL)
	} else {
		source, err = mea.NewLoopback(cfg.ElectrodeCount)
		if err != nil {
			return err
		}
		log.Info("using loop-back signal simulator (%d channels)", cfg.ElectrodeCount)
	}

	opts := mining.DefaultOptions()
	opts.Difficulty = cfg.Difficulty
	opts.BiologicalWeight = cfg.BiologicalWeight
	opts.MinBiologicalWeight = cfg.MinBiologicalWeight
	opts.MaxBiologicalWeight = cfg.MaxBiologicalWeight
	opts.MiningInterval = cfg.MiningInterval
	opts.IntegrationInterval = cfg.IntegrationInterval
	opts.MetricsInterval = cfg.MetricsInterval

	coord, err := mining.NewCoordinator(opts, net, source, ledger, log)
	if err != nil {
		return err
	}

	acquirer, err := mea.NewAcquirer(source, cfg.AcquisitionInterval, log)
	if err != nil {
		return err
	}
	acquirer.Subscribe(coord.OnSignalsAcquired)

	if restored && net.State() == neural.StateTrained {
		if err := coord.Resume(); err != nil {
			return err
		}
		log.Info("resumed trained network, skipping initial learning")
	} else if !skipTraining {
		if err := coord.Initialize(ctx); err != nil {
			return err
		}
		if progress {
			watchTraining(net, cfg.MaxEpochs)
		} else {
			<-net.Done()
		}
		log.Info("initial learning finished: state=%s epochs=%d accuracy=%.4f",
			net.State(), net.EpochsRun(), net.RecentAccuracy())
	}

	if err := acquirer.Start(ctx); err != nil {
		return err
	}
	defer acquirer.Stop()

	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer coord.Stop()

	srv := server.New(coord, net, snapshots, ledger, log)
	err = srv.Run(ctx, cfg.ListenAddr)

	// Persist whatever the network learned this run.
	if _, saveErr := snapshots.Save(net.Snapshot(true)); saveErr != nil {
		log.Error("final snapshot save failed: %v", saveErr)
	} else {
		log.Info("network snapshot saved")
	}
	return err
}

// watchTraining renders a progress bar tracking epochs until the learning
// goroutine exits.
func watchTraining(net *neural.Network, maxEpochs int) {
	p := mpb.New(mpb.WithWidth(80))
	bar := p.AddBar(int64(maxEpochs),
		mpb.PrependDecorators(
			decor.Name("Initial learning: "),
			decor.Percentage(decor.WCSyncSpace),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO), "done!"),
		),
	)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-net.Done():
			bar.SetCurrent(int64(net.EpochsRun()))
			bar.SetTotal(bar.Current(), true)
			p.Wait()
			return
		case <-ticker.C:
			bar.SetCurrent(int64(net.EpochsRun()))
		}
	}
}
