package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/rotor/pkg/clock"
	"github.com/cuemby/rotor/pkg/config"
	"github.com/cuemby/rotor/pkg/engine"
	"github.com/cuemby/rotor/pkg/log"
	"github.com/cuemby/rotor/pkg/metrics"
	"github.com/cuemby/rotor/pkg/provider"
	"github.com/cuemby/rotor/pkg/state"
	"github.com/cuemby/rotor/pkg/trigger"
	"github.com/cuemby/rotor/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes per the operational contract
const (
	exitOK          = 0
	exitConfigFault = 2
	exitStateFault  = 3
	exitAuthFault   = 4
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps fault kinds onto the documented exit codes
func exitCodeFor(err error) int {
	var fault *types.Fault
	if errors.As(err, &fault) {
		switch fault.Kind {
		case types.FaultConfig:
			return exitConfigFault
		case types.FaultState:
			return exitStateFault
		case types.FaultAuth:
			return exitAuthFault
		}
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "rotor",
	Short: "Rotor - DNS record rotation engine",
	Long: `Rotor rotates DNS A/AAAA record values on a hosted DNS provider
according to operator-defined rotation jobs: cycling a record through
an IP pool, sliding a pool window across a record set, or shuffling
the live values of a set of records.

It runs either as a long-lived daemon with an internal ticker or as a
one-shot tick driven by an external scheduler; both modes share the
same crash-safe state file.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Rotor version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "/etc/rotor/config.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().String("state", "/var/lib/rotor/state.yaml", "Path to the rotation-state file")

	// Initialize logging before command execution
	cobra.OnInitialize(initLogging)

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(recordsCmd)

	runCmd.Flags().Duration("tick-interval", engine.DefaultTickInterval, "Engine tick period")
	runCmd.Flags().String("metrics-addr", "", "Address for the /metrics and /healthz HTTP server (disabled when empty)")
	runCmd.Flags().Bool("skip-verify", false, "Skip the startup token verification")

	recordsCmd.Flags().String("zone", "", "Zone ID to list records for")
	_ = recordsCmd.MarkFlagRequired("zone")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// stores builds the config and state stores from the global flags
func stores(cmd *cobra.Command) (*config.Store, *state.Store, error) {
	configPath, _ := cmd.Flags().GetString("config")
	statePath, _ := cmd.Flags().GetString("state")

	configStore := config.NewStore(configPath)
	stateStore, err := state.Open(statePath)
	if err != nil {
		return nil, nil, err
	}
	return configStore, stateStore, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the rotation engine as a long-lived daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		tickInterval, _ := cmd.Flags().GetDuration("tick-interval")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		skipVerify, _ := cmd.Flags().GetBool("skip-verify")

		configStore, stateStore, err := stores(cmd)
		if err != nil {
			return err
		}

		// A parse failure at startup is fatal; mid-run failures only
		// abort the affected tick
		doc, err := configStore.Load()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		cf := provider.NewCloudflare()
		eng := engine.New(
			configStore,
			stateStore,
			cf,
			trigger.NewEvaluator(trigger.NewHTTPAgentClient(), stateStore),
			clock.New(),
			engine.Options{TickInterval: tickInterval},
		)

		if !skipVerify {
			if err := eng.VerifyCredentials(ctx, doc); err != nil {
				return err
			}
		}

		if metricsAddr != "" {
			metrics.SetVersion(Version)
			go func() {
				if err := metrics.Serve(metricsAddr); err != nil {
					log.WithComponent("metrics").Error().Err(err).Msg("Metrics server failed")
				}
			}()
		}

		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Evaluate all jobs once and exit",
	Long: `Perform a single engine tick, for installs that drive rotor from an
external scheduler instead of running the daemon. Exit code 0 means the
tick completed (individual jobs may still have failed; see logs).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configStore, stateStore, err := stores(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		eng := engine.New(
			configStore,
			stateStore,
			provider.NewCloudflare(),
			trigger.NewEvaluator(trigger.NewHTTPAgentClient(), stateStore),
			clock.New(),
			engine.Options{},
		)
		return eng.RunOnce(ctx)
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify every account's provider token",
	RunE: func(cmd *cobra.Command, args []string) error {
		configStore, _, err := stores(cmd)
		if err != nil {
			return err
		}
		doc, err := configStore.Load()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		cf := provider.NewCloudflare()
		var failed bool
		for _, account := range doc.Accounts {
			status, err := cf.VerifyToken(ctx, account)
			if err != nil {
				fmt.Printf("  %s (%s): verification failed: %v\n", account.Name, account.ID, err)
				failed = true
				continue
			}
			if status.Valid {
				fmt.Printf("  %s (%s): token valid\n", account.Name, account.ID)
			} else {
				fmt.Printf("  %s (%s): token INVALID", account.Name, account.ID)
				if len(status.MissingPermissions) > 0 {
					fmt.Printf(" (missing: %v)", status.MissingPermissions)
				}
				fmt.Println()
				failed = true
			}
		}
		if failed {
			return types.Faultf(types.FaultAuth, "one or more account tokens failed verification")
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configStore, _, err := stores(cmd)
		if err != nil {
			return err
		}
		doc, err := configStore.Load()
		if err != nil {
			return err
		}
		fmt.Printf("Config valid: %d accounts, %d zones, %d jobs, %d triggers\n",
			len(doc.Accounts), len(doc.Zones), len(doc.Jobs), len(doc.Triggers))
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with secrets redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		configStore, _, err := stores(cmd)
		if err != nil {
			return err
		}
		doc, err := configStore.Load()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ACCOUNT\tNAME\tTOKEN")
		for _, a := range doc.Accounts {
			fmt.Fprintf(w, "%s\t%s\t%s\n", a.ID, a.Name, redact(a.Token))
		}
		fmt.Fprintln(w, "\nZONE\tACCOUNT\tNAME")
		for _, z := range doc.Zones {
			fmt.Fprintf(w, "%s\t%s\t%s\n", z.ID, z.AccountID, z.Name)
		}
		if len(doc.Agents) > 0 {
			fmt.Fprintln(w, "\nAGENT\tNAME\tURL\tKEY")
			for _, a := range doc.Agents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.ID, a.Name, a.BaseURL, redact(a.APIKey))
			}
		}
		return w.Flush()
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List configured rotation jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		configStore, stateStore, err := stores(cmd)
		if err != nil {
			return err
		}
		doc, err := configStore.Load()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tKIND\tZONE\tINTERVAL\tENABLED\tLAST FIRED\tCURSOR\tFAILURES")
		for _, j := range doc.Jobs {
			st := stateStore.JobState(j.ID)
			lastFired := "never"
			if !st.LastFiredAt.IsZero() {
				lastFired = st.LastFiredAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%dm\t%t\t%s\t%d\t%d\n",
				j.ID, j.Kind, j.ZoneID, j.IntervalMinutes, j.Enabled,
				lastFired, st.Cursor, st.ConsecutiveFailures)
		}
		return w.Flush()
	},
}

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List A/AAAA records live from the provider for a zone",
	RunE: func(cmd *cobra.Command, args []string) error {
		zoneID, _ := cmd.Flags().GetString("zone")

		configStore, _, err := stores(cmd)
		if err != nil {
			return err
		}
		doc, err := configStore.Load()
		if err != nil {
			return err
		}

		zone, ok := doc.GetZone(zoneID)
		if !ok {
			return types.Faultf(types.FaultConfig, "zone %s not in config", zoneID)
		}
		account, ok := doc.GetAccount(zone.AccountID)
		if !ok {
			return types.Faultf(types.FaultConfig, "zone %s references unknown account %s", zoneID, zone.AccountID)
		}

		ctx, cancel := signalContext()
		defer cancel()

		cf := provider.NewCloudflare()
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RECORD\tTYPE\tNAME\tVALUE\tPROXIED\tTTL")
		for _, rt := range []types.RecordType{types.RecordTypeA, types.RecordTypeAAAA} {
			records, err := cf.ListRecords(ctx, account, zone.ID, rt)
			if err != nil {
				return err
			}
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%d\n", r.ID, r.Type, r.Name, r.Value, r.Proxied, r.TTL)
			}
		}
		return w.Flush()
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}

// redact keeps enough of a secret to identify it without exposing it
func redact(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:4] + "****"
}
