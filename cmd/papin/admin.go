package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/PolycarpusTack/papin/internal/config"
	"github.com/PolycarpusTack/papin/internal/connectivity"
	"github.com/PolycarpusTack/papin/internal/credentials"
	"github.com/PolycarpusTack/papin/internal/endpoint"
	"github.com/PolycarpusTack/papin/internal/metrics"
	"github.com/PolycarpusTack/papin/internal/router"
	"github.com/PolycarpusTack/papin/internal/session"
	"github.com/PolycarpusTack/papin/pkg/engine"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STATUS
// ═══════════════════════════════════════════════════════════════════════════════

func newStatusCmd() *cobra.Command {
	var (
		connect bool
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Probe connectivity and show provider health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(false)
			if err != nil {
				return err
			}
			defer logger.Close()

			eng, err := engine.New(cfg, engine.WithLogger(logger.Zerolog()))
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			obs := eng.CheckConnectivity(ctx)
			if err := eng.RefreshLocal(ctx); err != nil {
				zl := logger.Zerolog()
				zl.Debug().Err(err).Msg("local refresh failed")
			}
			if connect {
				if _, err := eng.OpenSession(ctx, credentials.Credentials{}); err != nil {
					fmt.Fprintln(os.Stderr, warnStyle.Render("remote unavailable: ")+dimStyle.Render(err.Error()))
				}
			}

			st := eng.Status()
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}

			printStatus(st)
			if obs.Latency > 0 {
				fmt.Println(labelStyle.Render("Probe") + obs.Latency.Round(time.Millisecond).String())
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&connect, "connect", "c", false, "Also open a session to the remote endpoint")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status as JSON")
	return cmd
}

func printStatus(st engine.Status) {
	fmt.Println(titleStyle.Render("papin status"))
	fmt.Println(labelStyle.Render("Network") + connectivityStyle(st.Connectivity.State))
	fmt.Println(labelStyle.Render("Session") + sessionStyle(st.Session.State) +
		dimStyle.Render(sessionDetail(st.Session)))
	fmt.Println(labelStyle.Render("Remote") + healthStyle(st.Remote.Health))
	if st.Local != nil {
		models := "any model"
		if len(st.Local.Capabilities.Models) > 0 {
			models = strings.Join(st.Local.Capabilities.Models, ", ")
		}
		fmt.Println(labelStyle.Render("Local") + healthStyle(st.Local.Health) + dimStyle.Render(" "+models))
	} else {
		fmt.Println(labelStyle.Render("Local") + dimStyle.Render("disabled"))
	}
	fmt.Println(labelStyle.Render("In flight") + fmt.Sprintf("%d", st.InFlight) +
		dimStyle.Render(fmt.Sprintf(" (%d awaiting remote)", st.Pending)))
	if st.EventsLost > 0 {
		fmt.Println(labelStyle.Render("Events lost") + warnStyle.Render(fmt.Sprintf("%d", st.EventsLost)))
	}
}

func connectivityStyle(s connectivity.State) string {
	switch s {
	case connectivity.Online:
		return successStyle.Render(s.String())
	case connectivity.Offline:
		return errorStyle.Render(s.String())
	default:
		return warnStyle.Render(s.String())
	}
}

func sessionStyle(s session.State) string {
	switch s {
	case session.Ready:
		return successStyle.Render(s.String())
	case session.Disconnected, session.Closed:
		return dimStyle.Render(s.String())
	default:
		return warnStyle.Render(s.String())
	}
}

func sessionDetail(s session.Snapshot) string {
	var parts []string
	if s.ID != "" {
		parts = append(parts, s.ID)
	}
	if s.ReconnectAttempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt %d", s.ReconnectAttempt))
	}
	if !s.LastHeartbeatAt.IsZero() {
		parts = append(parts, "heartbeat "+time.Since(s.LastHeartbeatAt).Round(time.Second).String()+" ago")
	}
	if len(parts) == 0 {
		return ""
	}
	return " " + strings.Join(parts, " · ")
}

func healthStyle(h router.Health) string {
	switch h {
	case router.Available:
		return successStyle.Render(h.String())
	case router.Unavailable:
		return errorStyle.Render(h.String())
	default:
		return warnStyle.Render(h.String())
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// DIAGNOSTICS
// ═══════════════════════════════════════════════════════════════════════════════

func newStatsCmd() *cobra.Command {
	var (
		since time.Duration
		limit int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-provider request diagnostics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Diagnostics.Enabled {
				return errors.New("diagnostics are disabled (diagnostics.enabled: false)")
			}

			store, err := metrics.OpenStore(cfg.Diagnostics.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			stats, err := store.ProviderStats(ctx, time.Now().Add(-since))
			if err != nil {
				return err
			}

			fmt.Println(titleStyle.Render("Providers") + dimStyle.Render(" last "+since.String()))
			if len(stats) == 0 {
				fmt.Println(dimStyle.Render("  no requests recorded"))
			}
			for _, s := range stats {
				fmt.Printf("  %-8s %5d requests  %5.1f%% ok  %7.0fms avg  %d failovers\n",
					s.Provider, s.RequestCount, s.SuccessRate*100, s.AvgLatencyMs, s.Failovers)
			}

			if limit <= 0 {
				return nil
			}
			recent, err := store.Recent(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Println()
			fmt.Println(titleStyle.Render("Recent requests"))
			for _, r := range recent {
				result := successStyle.Render("ok")
				if !r.Success {
					result = errorStyle.Render(r.ErrorKind)
				}
				via := r.Provider
				if r.Failover {
					via += warnStyle.Render(" (failover)")
				}
				fmt.Printf("  %s  %-20s %s  %s  %s\n",
					dimStyle.Render(r.CreatedAt.Local().Format("01-02 15:04:05")),
					r.Model, via, result, dimStyle.Render(fmt.Sprintf("%dms", r.LatencyMs)))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "Aggregate requests newer than this")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Recent requests to list")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG
// ═══════════════════════════════════════════════════════════════════════════════

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or initialise the configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Credentials.Token != "" {
				cfg.Credentials.Token = "********"
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Println(dimStyle.Render("# " + configPath))
			fmt.Print(string(data))
			return nil
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s exists (use --force to overwrite)", configPath)
			}
			if err := config.Default().SaveToPath(configPath); err != nil {
				return err
			}
			fmt.Println(successStyle.Render("✓ Wrote ") + configPath)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(configPath)
		},
	}

	cmd.AddCommand(showCmd, initCmd, pathCmd)
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// TOKEN
// ═══════════════════════════════════════════════════════════════════════════════

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the session token",
	}

	setCmd := &cobra.Command{
		Use:   "set [token]",
		Short: "Store the session token in the OS keychain",
		Long:  "Store the session token in the OS keychain. Without an argument the token is read from stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := tokenArg(args)
			if err != nil {
				return err
			}
			if err := credentials.NewKeyring(cfg.Credentials.Account).Store(token); err != nil {
				return err
			}
			fmt.Println(successStyle.Render("✓ Token stored") + dimStyle.Render(" (account "+accountName(cfg)+")"))
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the session token from the OS keychain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := credentials.NewKeyring(cfg.Credentials.Account).Delete(); err != nil {
				return err
			}
			fmt.Println(successStyle.Render("✓ Token removed") + dimStyle.Render(" (account "+accountName(cfg)+")"))
			return nil
		},
	}

	hashCmd := &cobra.Command{
		Use:   "hash [token]",
		Short: "Print a bcrypt hash for serve.token_hashes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := tokenArg(args)
			if err != nil {
				return err
			}
			hash, err := endpoint.HashToken(token, 0)
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}

	cmd.AddCommand(setCmd, clearCmd, hashCmd)
	return cmd
}

func tokenArg(args []string) (string, error) {
	if len(args) == 1 {
		return strings.TrimSpace(args[0]), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return "", errors.New("empty token")
	}
	return token, nil
}

func accountName(cfg *config.Config) string {
	if cfg.Credentials.Account == "" {
		return credentials.DefaultAccount
	}
	return cfg.Credentials.Account
}
