package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/citypulse/internal/assistant"
	"github.com/stellarlinkco/citypulse/internal/config"
	"github.com/stellarlinkco/citypulse/internal/cron"
	"github.com/stellarlinkco/citypulse/internal/dashboard"
	"github.com/stellarlinkco/citypulse/internal/gateway"
	"github.com/stellarlinkco/citypulse/internal/ingest"
	"github.com/stellarlinkco/citypulse/internal/logging"
	"github.com/stellarlinkco/citypulse/internal/mcpserver"
	"github.com/stellarlinkco/citypulse/internal/pairing"
	"github.com/stellarlinkco/citypulse/internal/relay"
)

const healthTimeout = 2 * time.Second

var rootCmd = &cobra.Command{
	Use:   "citypulse",
	Short: "citypulse - neighborhood relay service, dashboard and AG-UI bridge",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run relay, dashboard, AG-UI bridge and ingest scheduler",
	RunE:  runServe,
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the relay service and dashboard only",
	RunE:  runRelay,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Inspect and run ingest feeds",
}

var ingestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured feeds",
	RunE:  runIngestList,
}

var ingestRunCmd = &cobra.Command{
	Use:   "run <feed>",
	Short: "Fetch one feed now and post its packets to the relay",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngestRun,
}

var ingestStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last scheduled run of each feed",
	RunE:  runIngestStatus,
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Render the neighborhood dashboard in the terminal",
	RunE:  runDashboard,
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Insert the demo packets into a running relay",
	RunE:  runSeed,
}

var pairingCmd = &cobra.Command{
	Use:   "pairing",
	Short: "Manage pending AG-UI device pairing requests",
}

var pairingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending pairing requests",
	RunE:  runPairingList,
}

var pairingApproveCmd = &cobra.Command{
	Use:   "approve <code>",
	Short: "Approve a pairing code",
	Args:  cobra.ExactArgs(1),
	RunE:  runPairingApprove,
}

var pairingRejectCmd = &cobra.Command{
	Use:   "reject <code>",
	Short: "Reject a pairing code",
	Args:  cobra.ExactArgs(1),
	RunE:  runPairingReject,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Manage approved AG-UI devices",
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approved devices",
	RunE:  runDevicesList,
}

var devicesRevokeCmd = &cobra.Command{
	Use:   "revoke <device-id>",
	Short: "Remove a device from the allow-list",
	Args:  cobra.ExactArgs(1),
	RunE:  runDevicesRevoke,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the relay tools over MCP on stdio",
	RunE:  runMCP,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and feed definitions",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show citypulse status",
	RunE:  runStatus,
}

func init() {
	serveCmd.Flags().Bool("seed", false, "insert the demo packets at startup")
	serveCmd.Flags().Int("port", 0, "listen port (overrides config)")
	relayCmd.Flags().Bool("seed", false, "insert the demo packets at startup")
	relayCmd.Flags().Int("port", 0, "listen port (overrides config)")
	ingestRunCmd.Flags().String("relay", "", "relay base URL (overrides config)")
	dashboardCmd.Flags().Bool("once", false, "print the current dashboard and exit")
	dashboardCmd.Flags().Bool("no-clear", false, "append frames instead of clearing the screen")
	dashboardCmd.Flags().String("relay", "", "relay base URL (overrides config)")
	seedCmd.Flags().String("relay", "", "relay base URL (overrides config)")
	mcpCmd.Flags().String("relay", "", "relay base URL (overrides config)")

	ingestCmd.AddCommand(ingestListCmd, ingestRunCmd, ingestStatusCmd)
	pairingCmd.AddCommand(pairingListCmd, pairingApproveCmd, pairingRejectCmd)
	devicesCmd.AddCommand(devicesListCmd, devicesRevokeCmd)

	rootCmd.AddCommand(serveCmd, relayCmd, ingestCmd, dashboardCmd, seedCmd,
		pairingCmd, devicesCmd, mcpCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads .env files and the config file, then applies the log
// settings.
func loadConfig() (*config.Config, error) {
	config.LoadDotEnv()
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := logging.Setup(cfg.Log); err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	return cfg, nil
}

func applyListenFlags(cmd *cobra.Command, cfg *config.Config) {
	if seed, _ := cmd.Flags().GetBool("seed"); seed {
		cfg.Relay.Seed = true
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Relay.Port = port
	}
}

// relayURL is the --relay flag when set, otherwise the configured URL.
func relayURL(cmd *cobra.Command, cfg *config.Config) string {
	if cmd.Flags().Lookup("relay") != nil {
		if u, _ := cmd.Flags().GetString("relay"); u != "" {
			return strings.TrimRight(u, "/")
		}
	}
	return cfg.Ingest.RelayBaseURL
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyListenFlags(cmd, cfg)

	if cfg.Bridge.Enabled && cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'citypulse onboard' or set CITYPULSE_API_KEY / ANTHROPIC_API_KEY, or disable the bridge")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer logging.Close()
	return gw.Run(context.Background())
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyListenFlags(cmd, cfg)

	srv, err := gateway.NewRelayServer(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd)
	defer stop()

	if err := srv.Start(fmt.Sprintf("%s:%d", cfg.Relay.Host, cfg.Relay.Port)); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

func runIngestList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	feeds, err := ingest.LoadFeeds(cfg.Ingest.FeedsFile)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tENABLED\tSCHEDULE\tCATEGORY\tNOTES")
	for _, f := range feeds {
		schedule := f.Schedule
		if schedule == "" {
			schedule = ingest.DefaultSchedule
		}
		note := f.Description
		if missing := f.MissingEnv(); len(missing) > 0 {
			note = "needs " + strings.Join(missing, ", ")
		}
		fmt.Fprintf(tw, "%s\t%v\t%s\t%s\t%s\n", f.Name, f.IsEnabled(), schedule, f.Category, note)
	}
	return tw.Flush()
}

func runIngestRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	feeds, err := ingest.LoadFeeds(cfg.Ingest.FeedsFile)
	if err != nil {
		return err
	}
	feed, ok := ingest.Find(feeds, args[0])
	if !ok {
		return fmt.Errorf("unknown feed %q", args[0])
	}

	cfg.Ingest.RelayBaseURL = relayURL(cmd, cfg)
	runner, poster := gateway.NewIngestRunner(cfg, nil)

	ctx, stop := signalContext(cmd)
	defer stop()
	res, err := runner.Run(ctx, feed)
	if err != nil {
		return fmt.Errorf("run feed: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, res.String())
	if state := poster.State(); state != "closed" {
		fmt.Fprintf(out, "Relay circuit: %s\n", state)
	}
	return nil
}

func runIngestStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	jobs, err := cron.LoadJobs(cfg.Ingest.StatePath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No ingest runs recorded yet")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FEED\tENABLED\tLAST RUN\tSTATUS\tPOSTED\tFAILED\tRUNS\tERROR")
	for _, j := range jobs {
		last := "-"
		if t := j.LastRun(); !t.IsZero() {
			last = t.Format(time.RFC3339)
		}
		status := j.State.LastStatus
		if status == "" {
			status = "-"
		}
		fmt.Fprintf(tw, "%s\t%v\t%s\t%s\t%d\t%d\t%d\t%s\n",
			j.ID, j.Enabled, last, status, j.State.LastPosted, j.State.LastFailed, j.State.Runs, j.State.LastError)
	}
	return tw.Flush()
}

func runDashboard(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client := relay.NewClient(relayURL(cmd, cfg))
	out := cmd.OutOrStdout()

	ctx, stop := signalContext(cmd)
	defer stop()

	if once, _ := cmd.Flags().GetBool("once"); once {
		packets, err := client.List(ctx)
		if err != nil {
			return fmt.Errorf("list relays: %w", err)
		}
		return dashboard.Render(out, packets)
	}
	noClear, _ := cmd.Flags().GetBool("no-clear")
	return dashboard.Watch(ctx, client, out, !noClear)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	n, err := relay.NewClient(relayURL(cmd, cfg)).Seed(context.Background())
	if err != nil {
		return fmt.Errorf("seed relay: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d packet(s)\n", n)
	return nil
}

func openPairing(cfg *config.Config) (*pairing.Store, error) {
	ttl, err := time.ParseDuration(cfg.Bridge.PairingTTL)
	if err != nil {
		return nil, fmt.Errorf("parse pairing ttl: %w", err)
	}
	store, err := pairing.NewStore(cfg.Bridge.DBPath, pairing.Options{
		MaxPending: cfg.Bridge.MaxPendingPairings,
		TTL:        ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("open pairing store: %w", err)
	}
	return store, nil
}

// withPairing loads config, opens the pairing store and closes it after fn.
func withPairing(fn func(ctx context.Context, store *pairing.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openPairing(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(context.Background(), store)
}

func runPairingList(cmd *cobra.Command, args []string) error {
	return withPairing(func(ctx context.Context, store *pairing.Store) error {
		reqs, err := store.ListPending(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(reqs) == 0 {
			fmt.Fprintln(out, "No pending pairing requests")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CODE\tDEVICE\tEXPIRES")
		for _, r := range reqs {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Code, r.DeviceID, r.ExpiresAt.Format(time.RFC3339))
		}
		return tw.Flush()
	})
}

func runPairingApprove(cmd *cobra.Command, args []string) error {
	return withPairing(func(ctx context.Context, store *pairing.Store) error {
		deviceID, err := store.Approve(ctx, args[0])
		if errors.Is(err, pairing.ErrUnknownCode) {
			return fmt.Errorf("no pending request for code %s", strings.ToUpper(args[0]))
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Approved device %s\n", deviceID)
		return nil
	})
}

func runPairingReject(cmd *cobra.Command, args []string) error {
	return withPairing(func(ctx context.Context, store *pairing.Store) error {
		if err := store.Reject(ctx, args[0]); err != nil {
			if errors.Is(err, pairing.ErrUnknownCode) {
				return fmt.Errorf("no pending request for code %s", strings.ToUpper(args[0]))
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rejected %s\n", strings.ToUpper(args[0]))
		return nil
	})
}

func runDevicesList(cmd *cobra.Command, args []string) error {
	return withPairing(func(ctx context.Context, store *pairing.Store) error {
		devices, err := store.Devices(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(devices) == 0 {
			fmt.Fprintln(out, "No approved devices")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DEVICE\tAPPROVED")
		for _, d := range devices {
			fmt.Fprintf(tw, "%s\t%s\n", d.DeviceID, d.ApprovedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	})
}

func runDevicesRevoke(cmd *cobra.Command, args []string) error {
	return withPairing(func(ctx context.Context, store *pairing.Store) error {
		if err := store.Revoke(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Revoked device %s\n", pairing.NormalizeEntry(args[0]))
		return nil
	})
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	kit := assistant.NewToolkit(relay.NewClient(relayURL(cmd, cfg)))
	return mcpserver.Serve(kit)
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()
	feedsPath := filepath.Join(cfgDir, "feeds.yaml")

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		cfg.Ingest.FeedsFile = feedsPath
		secret, err := newSecret()
		if err != nil {
			return err
		}
		cfg.Bridge.GatewaySecret = secret
		if err := config.SaveConfig(cfg); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	writeIfNotExists(out, feedsPath, string(ingest.DefaultFeedsYAML()))

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set CITYPULSE_API_KEY / ANTHROPIC_API_KEY")
	fmt.Fprintln(out, "  3. Run 'citypulse serve --seed' and open /dashboard")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Listen: %s:%d\n", cfg.Relay.Host, cfg.Relay.Port)
	fmt.Fprintf(out, "Relay URL: %s\n", cfg.Ingest.RelayBaseURL)

	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()
	if h, err := relay.NewClient(cfg.Ingest.RelayBaseURL).Health(ctx); err != nil {
		fmt.Fprintln(out, "Relay: unreachable")
	} else {
		fmt.Fprintf(out, "Relay: up (%d relays, %d subscribers)\n", h.Relays, h.Subscribers)
	}

	fmt.Fprintf(out, "Bridge: enabled=%v path=%s\n", cfg.Bridge.Enabled, cfg.Bridge.Path)
	if cfg.Bridge.GatewaySecret != "" {
		fmt.Fprintln(out, "Gateway secret: set")
	} else {
		fmt.Fprintln(out, "Gateway secret: not set")
	}
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(out, "Model: %s\n", cfg.Bridge.Model)
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))

	if feeds, err := ingest.LoadFeeds(cfg.Ingest.FeedsFile); err != nil {
		fmt.Fprintf(out, "Feeds: error (%v)\n", err)
	} else {
		enabled := 0
		for _, f := range feeds {
			if f.IsEnabled() {
				enabled++
			}
		}
		fmt.Fprintf(out, "Feeds: %d (%d enabled), ingest=%v\n", len(feeds), enabled, cfg.Ingest.Enabled)
	}
	fmt.Fprintf(out, "Redis: %v\n", cfg.Redis.URL != "")
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Telegram.Enabled)

	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func newSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func writeIfNotExists(out io.Writer, path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Fprintf(out, "  Created: %s\n", path)
	}
}
