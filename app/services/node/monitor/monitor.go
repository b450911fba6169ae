// Package monitor renders the live state of the simulation to the
// terminal: per-node data, message queues, recently confirmed transactions,
// and the simulation parameters. It reads everything non-destructively and
// swallows rendering failures.
package monitor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/isaac-lapworth/blockchain-simulations/foundation/blockchain/state"
)

// Clears the terminal and homes the cursor before each frame.
const clearScreen = "\033[2J\033[H"

// Config represents the settings required to construct a monitor.
type Config struct {
	State   *state.State
	Out     io.Writer
	Refresh time.Duration
}

// Monitor periodically renders the simulation.
type Monitor struct {
	state   *state.State
	out     io.Writer
	refresh time.Duration

	header  *color.Color
	speaker *color.Color
	faulty  *color.Color
}

// New constructs a monitor ready to run.
func New(cfg Config) *Monitor {
	return &Monitor{
		state:   cfg.State,
		out:     cfg.Out,
		refresh: cfg.Refresh,
		header:  color.New(color.FgCyan, color.Bold),
		speaker: color.New(color.FgGreen),
		faulty:  color.New(color.FgRed),
	}
}

// Run renders frames until the context is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.render()
		}
	}
}

// render draws one frame. Any failure is ignored; the next tick redraws.
func (m *Monitor) render() {
	defer func() {
		_ = recover()
	}()

	var sb strings.Builder
	sb.WriteString(clearScreen)

	cfg := m.state.Config()
	statuses := m.state.Statuses()

	m.header.Fprintln(&sb, "Consensus Node Local Data")
	if cfg.Protocol == state.ProtocolPoW {
		fmt.Fprintf(&sb, "%-4s %-7s %-5s %-22s %s\n", "ID", "HEIGHT", "DIFF", "ACTIVITY", "WORKING HASH")
		for _, st := range statuses {
			fmt.Fprintf(&sb, "%-4d %-7d %-5d %-22s %s\n", st.ID, st.Height, st.Difficulty, st.Activity, st.TipHash)
		}
	} else {
		fmt.Fprintf(&sb, "%-4s %-7s %-5s %-8s %-22s %s\n", "ID", "HEIGHT", "VIEW", "ROLE", "ACTIVITY", "WORKING HASH")
		for _, st := range statuses {
			role := "delegate"
			c := fmt.Fprintf
			switch {
			case !st.Responsive:
				role = "silent"
				c = m.faulty.Fprintf
			case st.Speaker:
				role = "speaker"
				c = m.speaker.Fprintf
			case !st.Honest:
				role = "byzantine"
				c = m.faulty.Fprintf
			}
			c(&sb, "%-4d %-7d %-5d %-8s %-22s %s\n", st.ID, st.Height, st.View, role, st.Activity, st.TipHash)
		}
	}

	m.header.Fprintln(&sb, "\nMessage Queues")
	for _, st := range statuses {
		kinds := make([]string, 0, len(st.Queue))
		for _, k := range st.Queue {
			kinds = append(kinds, k.String())
		}
		line := strings.Join(kinds, "  ")
		if len(line) > 100 {
			line = line[:100]
		}
		fmt.Fprintf(&sb, "%d: %s\n", st.ID, line)
	}

	m.header.Fprintln(&sb, "\nConfirmed Transactions")
	fmt.Fprintf(&sb, "%-8s %-15s %s\n", "ID", "PUBLISHED", "CONFIRMED")
	recent := m.state.Mempool().Recent()
	for i := len(recent) - 1; i >= 0; i-- {
		c := recent[i]
		fmt.Fprintf(&sb, "%-8d %-15d %d\n", c.ID, c.CreationTime, c.ConfirmationTime)
	}

	m.header.Fprintln(&sb, "\nSimulation Parameters")
	fmt.Fprintf(&sb, "Protocol: %s | Nodes: %d | Block Size: %d | Block Time: %s | Transaction Frequency: %s\n",
		cfg.Protocol, cfg.Nodes, cfg.BlockSize, cfg.BlockTime, cfg.TransactionFrequency)
	if cfg.Protocol == state.ProtocolPoW {
		fmt.Fprintf(&sb, "Required Confirmations: %d | Difficulty Window: %d blocks | Partition Check: %d blocks | Binary Hashes: %t\n",
			cfg.ConfirmationDepth, cfg.AdjustmentFrequency, cfg.SyncFrequency, cfg.BinaryHash)
	} else {
		fmt.Fprintf(&sb, "Unresponsive: %d | Malicious: %d | Random Speaker: %t\n",
			cfg.UnresponsiveNodes, cfg.MaliciousNodes, cfg.RandomSpeaker)
	}

	fmt.Fprint(m.out, sb.String())
}
