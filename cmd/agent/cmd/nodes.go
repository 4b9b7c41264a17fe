package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/softcane/skyway-agent/internal/execx"
	"github.com/softcane/skyway-agent/internal/probe"
	"github.com/softcane/skyway-agent/internal/registry"
)

var (
	statusAddr   string
	outputFormat string
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List the nodes in the registry",
	Long: `List every node record the agent holds for the service.

Reads from the running agent's status endpoint when the service is up,
otherwise opens the database read-only.

Example:
  agent nodes --config skyway.yaml
  agent nodes --config skyway.yaml --output json`,
	Args: cobra.NoArgs,
	RunE: runNodes,
}

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show the account budget and committed rate",
	Args:  cobra.NoArgs,
	RunE:  runBudget,
}

var registerCmd = &cobra.Command{
	Use:   "register NAME",
	Short: "Re-run the post-provision registration commands for a ready node",
	Long: `Register renders the configured registration commands for NAME and runs
them. The commands must be idempotent; the agent runs them itself when a
node first passes its readiness probe.`,
	Args: cobra.ExactArgs(1),
	RunE: runRegister,
}

func init() {
	for _, c := range []*cobra.Command{nodesCmd, budgetCmd, registerCmd} {
		rootCmd.AddCommand(c)
		c.Flags().StringVar(&statusAddr, "addr", "",
			"Status endpoint of the running agent (default: derived from metrics.addr)")
	}
	nodesCmd.Flags().StringVar(&outputFormat, "output", "table", "Output format: table, json")
	budgetCmd.Flags().StringVar(&outputFormat, "output", "table", "Output format: table, json")
}

func runNodes(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	src, err := openStatusSource(cfg, statusAddr)
	if err != nil {
		return err
	}
	defer src.Close()

	nodes, err := src.Nodes(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}

	switch outputFormat {
	case "json":
		return outputJSON(cmd.OutOrStdout(), nodes)
	default:
		return outputNodeTable(cmd.OutOrStdout(), nodes)
	}
}

func runBudget(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	src, err := openStatusSource(cfg, statusAddr)
	if err != nil {
		return err
	}
	defer src.Close()

	b, err := src.Budget(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read budget: %w", err)
	}

	switch outputFormat {
	case "json":
		return outputJSON(cmd.OutOrStdout(), b)
	default:
		return outputBudgetTable(cmd.OutOrStdout(), b)
	}
}

func runRegister(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Registration.Commands) == 0 {
		return fmt.Errorf("no registration commands configured")
	}

	src, err := openStatusSource(cfg, statusAddr)
	if err != nil {
		return err
	}
	nodes, err := src.Nodes(cmd.Context())
	src.Close()
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}
	node, err := findReadyNode(nodes, args[0])
	if err != nil {
		return err
	}

	runner := &execx.ExecRunner{BinDir: cfg.Slurm.BinDir, Logger: slog.Default()}
	reg, err := probe.NewCommandRegistrar(runner, cfg.Registration.Commands, cfg.Registration.Timeout(), slog.Default())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(len(cfg.Registration.Commands)+1)*cfg.Registration.Timeout())
	defer cancel()
	if err := reg.Register(ctx, probe.Node{
		Name:       node.Name,
		ProviderID: node.ProviderID,
		Address:    node.Address,
		Class:      node.Class,
		User:       node.User,
	}); err != nil {
		return fmt.Errorf("registration of %s failed: %w", node.Name, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", node.Name)
	return nil
}

func findReadyNode(nodes []nodeView, name string) (nodeView, error) {
	for _, n := range nodes {
		if n.Name != name {
			continue
		}
		switch registry.State(n.State) {
		case registry.StateReady, registry.StateIdle, registry.StateBusy:
			return n, nil
		}
		return nodeView{}, fmt.Errorf("node %s is %s, not ready", name, n.State)
	}
	return nodeView{}, fmt.Errorf("node %s: %w", name, registry.ErrNotFound)
}

func outputJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func outputNodeTable(w io.Writer, nodes []nodeView) error {
	fmt.Fprintf(w, "%-24s %-12s %-20s %-12s %-18s %-20s\n",
		"NODE", "CLASS", "STATE", "PROVIDER ID", "ADDRESS", "CREATED")
	fmt.Fprintln(w, "--------------------------------------------------------------------------------------------------------------")

	for _, n := range nodes {
		fmt.Fprintf(w, "%-24s %-12s %-20s %-12s %-18s %-20s\n",
			n.Name, n.Class, n.State, orDash(n.ProviderID), orDash(n.Address),
			n.CreatedAt.UTC().Format(time.DateTime))
	}
	fmt.Fprintf(w, "\nTotal: %d nodes\n", len(nodes))
	return nil
}

func outputBudgetTable(w io.Writer, b budgetView) error {
	rows := [][2]string{
		{"ACCOUNT", b.Account},
		{"ALLOCATED", b.Allocated},
		{"SPENT", b.Spent},
		{"BALANCE", b.Balance},
		{"USED%", b.Percent},
		{"LEVEL", b.Level},
		{"COMMITTED/HR", orDash(b.CommittedRate)},
		{"AVAILABLE/HR", orDash(b.AvailableRate)},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%-15s %s\n", r[0], r[1])
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

