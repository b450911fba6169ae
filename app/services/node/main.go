package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/isaac-lapworth/blockchain-simulations/app/services/node/handlers"
	"github.com/isaac-lapworth/blockchain-simulations/app/services/node/monitor"
	"github.com/isaac-lapworth/blockchain-simulations/business/sys/validate"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/state"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/logger"
	"go.uber.org/zap"
)

var build = "develop"

func main() {
	log, err := logger.New("NODE")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	cfg := struct {
		conf.Version
		Web struct {
			APIHost         string        `conf:"default:0.0.0.0:3000"`
			ReadTimeout     time.Duration `conf:"default:5s"`
			WriteTimeout    time.Duration `conf:"default:10s"`
			IdleTimeout     time.Duration `conf:"default:120s"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
		}
		Simulation struct {
			Protocol             string        `conf:"default:pow,help:consensus protocol to run (pow or dbft)"`
			Nodes                int           `conf:"default:0,help:consensus nodes; 0 means cores minus two"`
			BlockSize            int           `conf:"default:5"`
			BlockTime            time.Duration `conf:"default:0s,help:target block interval; 0 picks the protocol default"`
			TransactionFrequency time.Duration `conf:"default:0s,help:generator interval; 0 picks the protocol default"`
			TransactionsToShow   int           `conf:"default:20"`
			InitialDifficulty    int           `conf:"default:2"`
			AdjustmentFrequency  int           `conf:"default:20"`
			ConfirmationDepth    int           `conf:"default:5"`
			SyncThreshold        int           `conf:"default:30"`
			SyncFrequency        int           `conf:"default:20"`
			BinaryHash           bool          `conf:"default:false"`
			UnresponsiveNodes    int           `conf:"default:0"`
			MaliciousNodes       int           `conf:"default:1"`
			RandomSpeaker        bool          `conf:"default:false"`
			CSVPath              string        `conf:"default:example.csv"`
		}
		Monitor struct {
			Enabled bool          `conf:"default:false,help:render the terminal dashboard; logs move to node.log"`
			Refresh time.Duration `conf:"default:250ms"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "side-by-side simulation of PoW and dBFT consensus",
		},
	}

	const prefix = "NODE"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// The terminal belongs to the dashboard when it is enabled.
	if cfg.Monitor.Enabled {
		if log, err = logger.New("NODE", "node.log"); err != nil {
			return fmt.Errorf("redirecting log output: %w", err)
		}
		defer log.Sync()
	}

	// =========================================================================
	// App Starting

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Simulation Support

	simCfg := state.Config{
		Protocol:             cfg.Simulation.Protocol,
		Nodes:                cfg.Simulation.Nodes,
		BlockSize:            cfg.Simulation.BlockSize,
		BlockTime:            cfg.Simulation.BlockTime,
		TransactionFrequency: cfg.Simulation.TransactionFrequency,
		TransactionsToShow:   cfg.Simulation.TransactionsToShow,
		CSVPath:              cfg.Simulation.CSVPath,
		InitialDifficulty:    cfg.Simulation.InitialDifficulty,
		AdjustmentFrequency:  cfg.Simulation.AdjustmentFrequency,
		ConfirmationDepth:    cfg.Simulation.ConfirmationDepth,
		SyncThreshold:        cfg.Simulation.SyncThreshold,
		SyncFrequency:        cfg.Simulation.SyncFrequency,
		BinaryHash:           cfg.Simulation.BinaryHash,
		UnresponsiveNodes:    cfg.Simulation.UnresponsiveNodes,
		MaliciousNodes:       cfg.Simulation.MaliciousNodes,
		RandomSpeaker:        cfg.Simulation.RandomSpeaker,
		Log:                  log,
	}
	applyDefaults(&simCfg)

	if err := validate.Check(simCfg); err != nil {
		return fmt.Errorf("validating simulation config: %w", err)
	}

	sim, err := state.New(simCfg)
	if err != nil {
		return fmt.Errorf("constructing simulation: %w", err)
	}

	// =========================================================================
	// Start API Service

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	apiMux := handlers.APIMux(handlers.APIMuxConfig{
		Log:   log,
		State: sim,
	})

	api := http.Server{
		Addr:         cfg.Web.APIHost,
		Handler:      apiMux,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Infow("api router started", "host", api.Addr)
		serverErrors <- api.ListenAndServe()
	}()

	// =========================================================================
	// Start Simulation

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	simDone := make(chan struct{})
	go func() {
		defer close(simDone)
		sim.Run(ctx)
	}()

	if cfg.Monitor.Enabled {
		mon := monitor.New(monitor.Config{
			State:   sim,
			Out:     os.Stdout,
			Refresh: cfg.Monitor.Refresh,
		})
		go mon.Run(ctx)
	}

	// =========================================================================
	// Shutdown

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Infow("shutdown started", "signal", sig)
		defer log.Infow("shutdown finished", "signal", sig)

		cancel()
		<-simDone

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := api.Shutdown(ctx); err != nil {
			api.Close()
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	return nil
}

// applyDefaults fills the settings whose defaults depend on the chosen
// protocol: proof-of-work targets 10s blocks with a 100ms generator, dBFT
// 4s blocks with a 200ms generator. The node count defaults to the cores
// left over after the generator and renderer take theirs.
func applyDefaults(cfg *state.Config) {
	if cfg.Nodes == 0 {
		cfg.Nodes = runtime.NumCPU() - 2
		if cfg.Nodes < 1 {
			cfg.Nodes = 1
		}
	}

	if cfg.BlockTime == 0 {
		if cfg.Protocol == state.ProtocolDBFT {
			cfg.BlockTime = 4 * time.Second
		} else {
			cfg.BlockTime = 10 * time.Second
		}
	}

	if cfg.TransactionFrequency == 0 {
		if cfg.Protocol == state.ProtocolDBFT {
			cfg.TransactionFrequency = 200 * time.Millisecond
		} else {
			cfg.TransactionFrequency = 100 * time.Millisecond
		}
	}
}
