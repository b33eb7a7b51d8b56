// ffsctl inspects and controls a running ffsuspend daemon over its control
// socket.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tu500/ffsuspend/internal/control/client"
)

var (
	socketPath string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "ffsctl",
		Short:         "Control a running ffsuspend daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "", "path to the ffsuspend control socket")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 3*time.Second, "control request timeout")

	root.AddCommand(statusCmd(), resumeCmd(), inhibitCmd(), metricsCmd(), reloadCmd(), historyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func dial() (*client.Client, context.Context, context.CancelFunc, error) {
	cli, err := client.New(socketPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return cli, ctx, cancel, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show tracker state and visible workspaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, ctx, cancel, err := dial()
			if err != nil {
				return err
			}
			defer cancel()
			status, err := cli.Status(ctx)
			if err != nil {
				return err
			}
			outputs := make([]string, 0, len(status.VisibleWorkspaces))
			for output := range status.VisibleWorkspaces {
				outputs = append(outputs, output)
			}
			sort.Strings(outputs)
			fmt.Println("Visible workspaces:")
			for _, output := range outputs {
				fmt.Printf("  %s: %s\n", output, status.VisibleWorkspaces[output])
			}
			fmt.Println("Programs:")
			for _, p := range status.Programs {
				line := fmt.Sprintf("  %s: %s", p.Program, p.RunState)
				if p.Inhibited {
					line += " (inhibited)"
				}
				if len(p.OccupiedWorkspaces) > 0 {
					line += fmt.Sprintf(" on %s", strings.Join(p.OccupiedWorkspaces, ", "))
				}
				fmt.Println(line)
			}
			if status.ClipboardChecking {
				fmt.Println("Clipboard checking: enabled")
			}
			return nil
		},
	}
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [program]",
		Short: "Force-continue one or all monitored programs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, ctx, cancel, err := dial()
			if err != nil {
				return err
			}
			defer cancel()
			program := ""
			if len(args) == 1 {
				program = args[0]
			}
			if err := cli.Resume(ctx, program); err != nil {
				return err
			}
			if program == "" {
				fmt.Println("Resumed all programs")
			} else {
				fmt.Printf("Resumed %s\n", program)
			}
			return nil
		},
	}
}

func inhibitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inhibit [program]",
		Short: "Suppress the next stop of one or all visible programs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, ctx, cancel, err := dial()
			if err != nil {
				return err
			}
			defer cancel()
			program := ""
			if len(args) == 1 {
				program = args[0]
			}
			if err := cli.Inhibit(ctx, program); err != nil {
				return err
			}
			fmt.Println("Inhibit requested")
			return nil
		},
	}
}

func metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show daemon counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, ctx, cancel, err := dial()
			if err != nil {
				return err
			}
			defer cancel()
			snap, err := cli.Metrics(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Since %s\n", snap.Started.Format(time.RFC3339))
			fmt.Printf("Totals: %d stops, %d continues, %d inhibits, %d signal errors\n",
				snap.Totals.Stops, snap.Totals.Continues, snap.Totals.Inhibits, snap.Totals.SignalErrors)
			for _, p := range snap.Programs {
				fmt.Printf("  %s: %d stops, %d continues, %d inhibits, %d refreshes\n",
					p.Program, p.Stops, p.Continues, p.Inhibits, p.Refreshes)
			}
			if len(snap.Events) > 0 {
				kinds := make([]string, 0, len(snap.Events))
				for kind := range snap.Events {
					kinds = append(kinds, kind)
				}
				sort.Strings(kinds)
				fmt.Println("Events:")
				for _, kind := range kinds {
					fmt.Printf("  %s: %d\n", kind, snap.Events[kind])
				}
			}
			return nil
		},
	}
}

func reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Trigger a live config reload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, ctx, cancel, err := dial()
			if err != nil {
				return err
			}
			defer cancel()
			if err := cli.Reload(ctx); err != nil {
				return err
			}
			fmt.Println("Reload requested")
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [program]",
		Short: "Show recent journaled transitions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, ctx, cancel, err := dial()
			if err != nil {
				return err
			}
			defer cancel()
			program := ""
			if len(args) == 1 {
				program = args[0]
			}
			result, err := cli.History(ctx, program, limit)
			if err != nil {
				return err
			}
			if len(result.Transitions) == 0 {
				fmt.Println("No transitions recorded")
				return nil
			}
			for _, t := range result.Transitions {
				line := fmt.Sprintf("%s  %s: %s -> %s (%s)",
					t.Timestamp.Format("2006-01-02 15:04:05"), t.Program, t.From, t.To, t.Reason)
				if t.Forced {
					line += " [forced]"
				}
				if t.SignalError != "" {
					line += fmt.Sprintf(" signal error: %s", t.SignalError)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of transitions to show")
	return cmd
}
