// Command admin provides offline tooling for the simulation: summarizing
// the telemetry CSV a run left behind.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := cobra.Command{
		Use:   "admin",
		Short: "Offline tooling for the consensus simulation",
	}

	root.AddCommand(latencyCmd())
	return &root
}

func latencyCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "latency [file]",
		Short: "Summarize confirmation latency from a telemetry CSV",
		Long: `Reads the creation_ms,confirmation_ms rows a simulation run appended
and reports how long transactions took to confirm.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "example.csv"
			if len(args) == 1 {
				path = args[0]
			}
			return runLatency(cmd, path)
		},
	}

	return &cmd
}

func runLatency(cmd *cobra.Command, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening telemetry file: %w", err)
	}
	defer f.Close()

	var rows int
	var total, max time.Duration

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Split(line, ",")
		if len(parts) != 2 {
			return fmt.Errorf("row %d: expected 2 fields, got %d", rows+1, len(parts))
		}

		creation, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return fmt.Errorf("row %d: parsing creation time: %w", rows+1, err)
		}
		confirmation, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return fmt.Errorf("row %d: parsing confirmation time: %w", rows+1, err)
		}

		latency := time.Duration(confirmation-creation) * time.Millisecond
		total += latency
		if latency > max {
			max = latency
		}
		rows++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading telemetry file: %w", err)
	}

	if rows == 0 {
		cmd.Println("no confirmed transactions recorded")
		return nil
	}

	cmd.Printf("transactions: %d\n", rows)
	cmd.Printf("mean latency: %s\n", total/time.Duration(rows))
	cmd.Printf("max latency:  %s\n", max)
	return nil
}
