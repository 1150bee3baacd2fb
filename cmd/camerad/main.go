// Command camerad is the acquisition server: it opens a device, creates
// the frame ring, and serves the text control protocol until a client
// requests "quit" or the process receives SIGINT/SIGTERM.
//
// Entrypoint shape (Cobra root command, errgroup-supervised Run,
// signal-driven shutdown) is grounded on
// coordinator/cmd/coordinator/main.go and
// controlplane/cmd/bird-adapter/main.go.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/camerad/camerad/internal/config"
	"github.com/camerad/camerad/internal/controller"
	"github.com/camerad/camerad/internal/device"
	"github.com/camerad/camerad/internal/device/simdevice"
	"github.com/camerad/camerad/internal/logging"
	"github.com/camerad/camerad/internal/ring"
	"github.com/camerad/camerad/internal/version"
	"github.com/camerad/camerad/internal/worker"
	"github.com/camerad/camerad/internal/xcmd"
)

var cmdArgs struct {
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:     "camerad",
	Short:   "Acquisition server for a scientific camera",
	Version: version.Version(),
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := run(cmdArgs.ConfigPath); err != nil {
			var interrupted xcmd.Interrupted
			if errors.As(err, &interrupted) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmdArgs.ConfigPath, "config", "c", "", "Path to the configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	log, lvl, err := logging.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	var dev device.Device
	if cfg.Simulate {
		dev = simdevice.New()
	} else {
		return fmt.Errorf("no vendor device binding compiled in; run with simulate: true")
	}

	ctx := context.Background()
	if err := dev.Open(ctx, cfg.DeviceIndex); err != nil {
		return fmt.Errorf("failed to open device %d: %w", cfg.DeviceIndex, err)
	}

	geom := dev.SensorGeometry()
	r := ring.Create(geom, cfg.Ring.BaseCapacity, cfg.Ring.MaxCapacity, int(cfg.Ring.SlotSizeHint), log)
	defer ring.Destroy(r)

	initialCfg, err := dev.GetConfiguration()
	if err != nil {
		return fmt.Errorf("failed to read initial device configuration: %w", err)
	}
	r.Lock()
	r.SetConfig(initialCfg)
	r.SetState(ring.StateSleeping)
	r.Unlock()

	w := worker.New(dev, r, log)
	w.Lock()
	w.SetTimeoutLocked(cfg.FrameTimeout)
	w.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := controller.New(cfg.Listen, w, r, dev, lvl, log, cancel)

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		err := w.Run()
		cancel()
		return err
	})
	wg.Go(func() error {
		return srv.Run(ctx)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infow("caught signal, requesting shutdown", "error", err)
		w.RequestExit()
		return err
	})

	return wg.Wait()
}
