package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"carpark/config"
	"carpark/internal/clock"
	"carpark/internal/db"
	"carpark/internal/ledger"
	"carpark/internal/machine"
	"carpark/internal/menu"
	"carpark/internal/store"
)

const defaultConfigPath = "./config/config.yaml"

func main() {
	// Setup logger; stdout belongs to the menu.
	logger := log.New(os.Stderr, "carpark ", log.LstdFlags)

	configFlag := flag.String("config", "", "path to the YAML configuration (default $CONFIG_PATH or "+defaultConfigPath+")")
	repair := flag.Bool("repair", false, "rebuild the machine snapshot from the event log and exit")
	flag.Parse()

	cfg, err := loadConfig(*configFlag)
	if err != nil {
		logger.Fatalf("failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		logger.Fatalf("failed to open %s storage: %v", cfg.Storage.Backend, err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Printf("failed to close storage: %v", err)
		}
	}()
	logger.Printf("%s storage opened", cfg.Storage.Backend)

	if *repair {
		if err := repairSnapshot(ctx, logger, cfg, st); err != nil {
			logger.Printf("repair failed: %v", err)
			closeStore()
			os.Exit(1)
		}
		return
	}

	cached := ledger.NewCached(ledger.New(st, cfg.Location), cfg.Ledger.CacheTTL)
	m, err := machine.New(ctx,
		machine.Settings{
			ID:         cfg.Machine.ID,
			Capacity:   cfg.Machine.Capacity,
			HourlyRate: cfg.Machine.HourlyRate,
			MaxHours:   cfg.Machine.MaxHours,
		},
		machine.Deps{
			Log:         cached.WrapLog(st),
			Snapshots:   st,
			Clock:       clock.System{Location: cfg.Location},
			Coordinator: machine.NewRegistry(),
		})
	if err != nil {
		logger.Printf("failed to start machine %s: %v", cfg.Machine.ID, err)
		closeStore()
		os.Exit(1)
	}
	logger.Printf("machine %s ready: capacity %d, %.2f per hour", m.ID(), m.Capacity(), m.HourlyRate())

	done := make(chan error, 1)
	go func() {
		done <- menu.New(m, cached, os.Stdin, os.Stdout, cfg.Location).Run(ctx)
	}()

	// Setup signal handling for a clean exit while waiting on input.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-done:
		if err != nil {
			logger.Printf("menu stopped: %v", err)
		}
	case <-stop:
		logger.Println("Shutdown signal received, stopping...")
		cancel()
	}
}

// loadConfig prefers the flag, then $CONFIG_PATH, then the default path.
// Only a missing default file falls back to built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	explicit := path != ""
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
		explicit = path != ""
	}
	if path == "" {
		path = defaultConfigPath
	}

	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return config.Default(), nil
	}
	return cfg, err
}

func openStore(cfg *config.Config) (store.Store, func() error, error) {
	switch cfg.Storage.Backend {
	case config.BackendFile:
		fileStore, err := store.NewFileStore(cfg.Storage.Dir, cfg.Storage.LogFile, cfg.Location)
		if err != nil {
			return nil, nil, err
		}
		return fileStore, fileStore.Close, nil
	case config.BackendSQL:
		gormDB, err := db.Init(&cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := gormDB.DB()
		if err != nil {
			return nil, nil, err
		}
		return store.NewGormStore(gormDB, cfg.Location), sqlDB.Close, nil
	default:
		return nil, nil, errors.New("unknown storage backend " + cfg.Storage.Backend)
	}
}

func repairSnapshot(ctx context.Context, logger *log.Logger, cfg *config.Config, st store.Store) error {
	occ, sum, err := ledger.New(st, cfg.Location).ReplayOccupancy(ctx, cfg.Machine.ID)
	if err != nil {
		return err
	}
	if err := st.SaveSnapshot(ctx, cfg.Machine.ID, occ); err != nil {
		return err
	}
	logger.Printf("rebuilt snapshot for machine %s: %d parked vehicles from %d events (%d malformed lines skipped)",
		cfg.Machine.ID, len(occ), sum.Matched, sum.Skipped)
	return nil
}
