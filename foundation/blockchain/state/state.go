// Package state is the core API for the simulation: it wires the shared
// transaction pool, the message bus, and the consensus nodes together,
// drives the transaction generator, and exposes read-only snapshots for the
// monitor and the web handlers.
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/bus"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/database"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/dbft"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/mempool"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/pow"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/telemetry"
	"go.uber.org/zap"
)

// The protocols a simulation can run. Never both in the same run.
const (
	ProtocolPoW  = "pow"
	ProtocolDBFT = "dbft"
)

// =============================================================================

// Config represents the configuration required to start the simulation.
type Config struct {
	Protocol             string        `validate:"required,oneof=pow dbft"`
	Nodes                int           `validate:"gte=1"`
	BlockSize            int           `validate:"gte=1"`
	BlockTime            time.Duration `validate:"gt=0"`
	TransactionFrequency time.Duration `validate:"gt=0"`
	TransactionsToShow   int           `validate:"gte=1"`
	CSVPath              string

	// Proof-of-work settings.
	InitialDifficulty   int `validate:"gte=0"`
	AdjustmentFrequency int `validate:"gte=2"`
	ConfirmationDepth   int `validate:"gte=1"`
	SyncThreshold       int `validate:"gte=0,lte=100"`
	SyncFrequency       int `validate:"gte=1"`
	BinaryHash          bool

	// dBFT settings.
	UnresponsiveNodes int `validate:"gte=0"`
	MaliciousNodes    int `validate:"gte=0"`
	RandomSpeaker     bool

	Log *zap.SugaredLogger `validate:"required"`
}

// NodeStatus is a point-in-time, read-only view of one consensus node.
type NodeStatus struct {
	ID         int        `json:"id"`
	Height     int        `json:"height"`
	TipHash    string     `json:"tip_hash"`
	Activity   string     `json:"activity"`
	Difficulty int        `json:"difficulty,omitempty"`
	View       int        `json:"view"`
	Speaker    bool       `json:"speaker"`
	Responsive bool       `json:"responsive"`
	Honest     bool       `json:"honest"`
	Queue      []bus.Kind `json:"queue"`
}

// State manages the simulation.
type State struct {
	cfg     Config
	log     *zap.SugaredLogger
	mempool *mempool.Mempool
	bus     *bus.Bus
	sink    *telemetry.CSV

	powNodes  []*pow.Node
	dbftNodes []*dbft.Node
}

// New constructs the full simulation from the configuration.
func New(cfg Config) (*State, error) {
	if cfg.Protocol == ProtocolDBFT && cfg.UnresponsiveNodes+cfg.MaliciousNodes > cfg.Nodes {
		return nil, fmt.Errorf("fault counts exceed the %d nodes", cfg.Nodes)
	}

	var sink *telemetry.CSV
	if cfg.CSVPath != "" {
		var err error
		if sink, err = telemetry.NewCSV(cfg.CSVPath); err != nil {
			return nil, fmt.Errorf("opening telemetry sink: %w", err)
		}
	}

	// Proof-of-work waits for every miner to report a transaction before
	// treating it as confirmed; dBFT finality needs a single report.
	threshold := 1
	if cfg.Protocol == ProtocolPoW {
		threshold = cfg.Nodes
	}

	mp := mempool.New(mempool.Config{
		Log:        cfg.Log,
		Threshold:  threshold,
		RecentSize: cfg.TransactionsToShow,
		ClaimRetry: cfg.TransactionFrequency,
		Sink:       sink,
	})

	s := State{
		cfg:     cfg,
		log:     cfg.Log,
		mempool: mp,
		bus:     bus.New(cfg.Nodes),
		sink:    sink,
	}

	switch cfg.Protocol {
	case ProtocolPoW:
		for i := 0; i < cfg.Nodes; i++ {
			n, err := pow.New(pow.Config{
				ID:                  i,
				Log:                 cfg.Log,
				Mempool:             mp,
				Bus:                 s.bus,
				BlockSize:           cfg.BlockSize,
				BlockTime:           cfg.BlockTime,
				InitialDifficulty:   cfg.InitialDifficulty,
				AdjustmentFrequency: cfg.AdjustmentFrequency,
				ConfirmationDepth:   cfg.ConfirmationDepth,
				SyncFrequency:       cfg.SyncFrequency,
				SyncThreshold:       cfg.SyncThreshold,
				BinaryHash:          cfg.BinaryHash,
			})
			if err != nil {
				return nil, fmt.Errorf("constructing miner %d: %w", i, err)
			}
			s.powNodes = append(s.powNodes, n)
		}

	case ProtocolDBFT:
		round := dbft.NewRound()
		for i := 0; i < cfg.Nodes; i++ {
			n, err := dbft.New(dbft.Config{
				ID:            i,
				Nodes:         cfg.Nodes,
				Log:           cfg.Log,
				Mempool:       mp,
				Bus:           s.bus,
				Round:         round,
				BlockSize:     cfg.BlockSize,
				BlockTime:     cfg.BlockTime,
				RandomSpeaker: cfg.RandomSpeaker,
				Responsive:    i >= cfg.UnresponsiveNodes,
				Honest:        i < cfg.Nodes-cfg.MaliciousNodes,
			})
			if err != nil {
				return nil, fmt.Errorf("constructing bookkeeper %d: %w", i, err)
			}
			s.dbftNodes = append(s.dbftNodes, n)
		}

	default:
		return nil, fmt.Errorf("unknown protocol %q", cfg.Protocol)
	}

	return &s, nil
}

// Run spawns one worker per node and becomes the transaction generator. It
// returns once the context is canceled and every worker has stopped.
func (s *State) Run(ctx context.Context) {
	s.log.Infow("simulation starting", "protocol", s.cfg.Protocol, "nodes", s.cfg.Nodes)

	var wg sync.WaitGroup

	for _, n := range s.powNodes {
		wg.Add(1)
		go func(n *pow.Node) {
			defer wg.Done()
			n.Run(ctx)
		}(n)
	}
	for _, n := range s.dbftNodes {
		wg.Add(1)
		go func(n *dbft.Node) {
			defer wg.Done()
			n.Run(ctx)
		}(n)
	}

	s.generateTransactions(ctx)
	wg.Wait()

	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			s.log.Errorw("closing telemetry sink", "ERROR", err)
		}
	}

	s.log.Infow("simulation stopped")
}

// generateTransactions simulates every peer that uses the chain without
// taking part in consensus, feeding the pool at a fixed rate.
func (s *State) generateTransactions(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TransactionFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tx := s.mempool.Append()
			s.log.Debugw("transaction generated", "id", tx.ID)
		}
	}
}

// =============================================================================

// Config returns the configuration the simulation runs with.
func (s *State) Config() Config {
	return s.cfg
}

// Mempool returns the shared transaction pool.
func (s *State) Mempool() *mempool.Mempool {
	return s.mempool
}

// Nodes returns the number of consensus nodes.
func (s *State) Nodes() int {
	return s.cfg.Nodes
}

// Statuses snapshots every node for display.
func (s *State) Statuses() []NodeStatus {
	statuses := make([]NodeStatus, 0, s.cfg.Nodes)

	for _, n := range s.powNodes {
		statuses = append(statuses, NodeStatus{
			ID:         n.ID(),
			Height:     n.Height(),
			TipHash:    n.TipHash(),
			Activity:   n.Activity(),
			Difficulty: n.CurrentDifficulty(),
			Responsive: true,
			Honest:     true,
			Queue:      n.QueueKinds(),
		})
	}

	for _, n := range s.dbftNodes {
		statuses = append(statuses, NodeStatus{
			ID:         n.ID(),
			Height:     n.Height(),
			TipHash:    n.TipHash(),
			Activity:   n.Activity(),
			View:       n.View(),
			Speaker:    n.IsSpeaker(),
			Responsive: n.Responsive(),
			Honest:     n.Honest(),
			Queue:      n.QueueKinds(),
		})
	}

	return statuses
}

// ChainOf returns a copy of one node's chain.
func (s *State) ChainOf(id int) ([]database.Block, error) {
	if id < 0 || id >= s.cfg.Nodes {
		return nil, fmt.Errorf("node %d does not exist", id)
	}

	if s.cfg.Protocol == ProtocolPoW {
		return s.powNodes[id].Chain(), nil
	}
	return s.dbftNodes[id].Chain(), nil
}
