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

	"preserve-go/internal/app"
	"preserve-go/internal/config"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Serve", "StateList").
func newApp(operation string) (*app.App, error) {
	cfg, _, err := readConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewApp(cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

func readConfig() (*config.Config, string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return cfg, defaults["config_path"], nil
}

// signalContext is cancelled on SIGINT or SIGTERM. Workers finish the message
// they are handling before they stop.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var rootCmd = &cobra.Command{
	Use:          "pv",
	Short:        "Preservation ingest and retrieval broker",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := readConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Host ID:     %s\n", cfg.HostID)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Transport:   %s %s\n", cfg.Transport.Type, cfg.Transport.URL)
		fmt.Printf("State Store: %s\n", cfg.StateStore.Type)
		fmt.Printf("Staging:     %s\n", cfg.Staging.StagingDir)
		fmt.Printf("Digest:      %s/%s\n", cfg.Digest.Algorithm, cfg.Digest.Encoding)
		for _, c := range cfg.Collections {
			fmt.Printf("Collection:  %s (%d pillars, tolerates %d failures)\n", c.Name, len(c.Pillars), c.MaxFailures)
		}
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage pillar encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the key pair for encrypted pillars",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := readConfig()
		if err != nil {
			return err
		}
		pass, err := app.ReadPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		if os.Getenv("PV_PASSPHRASE") == "" {
			again, err := app.ReadPassphrase("Repeat passphrase: ")
			if err != nil {
				return err
			}
			if again != pass {
				return errors.New("passphrases do not match")
			}
		}
		if err := app.InitKeys(cfg.Encryption, pass); err != nil {
			return fmt.Errorf("initializing keys: %w", err)
		}
		fmt.Printf("Public key:  %s\n", cfg.Encryption.PublicKeyPath)
		fmt.Printf("Private key: %s\n", cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the preservation and import workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Serve")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()
		return a.Serve(ctx)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue outstanding requests without serving the queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Resume")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()
		return a.Resume(ctx)
	},
}

// submit command
var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Publish requests to the work queues",
}

func submitFileCmd(use, short, operation string, submit func(context.Context, *app.App, *os.File) (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " FILE",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening request: %w", err)
			}
			defer f.Close()

			a, err := newApp(operation)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := submit(cmd.Context(), a, f)
			if err != nil {
				return err
			}
			fmt.Printf("Submitted %s\n", id)
			return nil
		},
	}
}

var submitPreserveCmd = submitFileCmd("preserve", "Submit a preservation request (JSON)", "SubmitPreservation",
	func(ctx context.Context, a *app.App, f *os.File) (string, error) { return a.SubmitPreservation(ctx, f) })

var submitImportCmd = submitFileCmd("import", "Submit an import request (JSON)", "SubmitImport",
	func(ctx context.Context, a *app.App, f *os.File) (string, error) { return a.SubmitImport(ctx, f) })

var submitShutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Ask the workers to stop",
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		a, err := newApp("SubmitShutdown")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.SubmitShutdown(cmd.Context(), reason); err != nil {
			return err
		}
		fmt.Println("Shutdown requested")
		return nil
	},
}

// state command
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and maintain request state",
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List outstanding requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("StateList")
		if err != nil {
			return err
		}
		defer a.Close()

		states, err := a.States(cmd.Context())
		if err != nil {
			return err
		}
		if len(states) == 0 {
			fmt.Println("No outstanding requests.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, st := range states {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", st.RequestID, st.Kind, st.State, st.UpdatedAt.Format(time.DateTime))
		}
		return w.Flush()
	},
}

var stateShowCmd = &cobra.Command{
	Use:   "show REQUEST_ID",
	Short: "Show the state of an outstanding request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("StateShow")
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.State(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if st == nil {
			fmt.Printf("%s is not outstanding.\n", args[0])
			return nil
		}
		fmt.Printf("Request:   %s (%s)\n", st.RequestID, st.Kind)
		fmt.Printf("Event:     %s\n", st.EventID)
		fmt.Printf("State:     %s\n", st.State)
		if st.Detail != "" {
			fmt.Printf("Detail:    %s\n", st.Detail)
		}
		if st.ContainerID != "" {
			fmt.Printf("Container: %s\n", st.ContainerID)
		}
		fmt.Printf("Updated:   %s\n", st.UpdatedAt.Format(time.DateTime))
		return nil
	},
}

var stateHistoryCmd = &cobra.Command{
	Use:   "history REQUEST_ID",
	Short: "View the state transitions of a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("StateHistory")
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.History(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No transitions recorded.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %-40s  %s\n", e.At.Format("2006-01-02 15:04:05.000"), e.State, e.Detail)
		}
		return nil
	},
}

var statePurgeCmd = &cobra.Command{
	Use:   "purge REQUEST_ID",
	Short: "Drop an outstanding request so it is not resumed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("StatePurge")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Purge(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Purged %s\n", args[0])
		return nil
	},
}

var stateCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove all state and staged files",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return errors.New("cleanup removes every outstanding request; pass --yes to confirm")
		}
		a, err := newApp("StateCleanup")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Cleanup(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("State store and staging area emptied.")
		return nil
	},
}

// warc command
var warcCmd = &cobra.Command{
	Use:   "warc",
	Short: "Read local container files",
}

var warcInspectCmd = &cobra.Command{
	Use:   "inspect FILE",
	Short: "List the records of a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := app.InspectContainer(args[0])
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, r := range records {
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n", r.Offset, r.Length, r.Type, r.ID, r.ContentType, r.BlockDigest)
		}
		w.Flush()
		return err
	},
}

var warcExtractCmd = &cobra.Command{
	Use:   "extract FILE RECORD_ID",
	Short: "Write the block of one record to stdout",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, err := app.ExtractRecord(args[0], args[1], os.Stdout)
		return err
	},
}

// collections command
var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "List collections and check their pillars",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Collections")
		if err != nil {
			return err
		}
		defer a.Close()

		statuses, err := a.Collections(cmd.Context())
		if err != nil {
			return err
		}
		failed := 0
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, s := range statuses {
			status := "ok"
			if s.Err != nil {
				status = s.Err.Error()
				failed++
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.CollectionID, s.PillarID, status)
		}
		w.Flush()
		if failed > 0 {
			return fmt.Errorf("%d pillar(s) failed the setup check", failed)
		}
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	keysCmd.AddCommand(keysInitCmd)

	submitCmd.AddCommand(submitPreserveCmd)
	submitCmd.AddCommand(submitImportCmd)
	submitCmd.AddCommand(submitShutdownCmd)
	submitShutdownCmd.Flags().String("reason", "requested from the command line", "Reason recorded by the workers")

	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateHistoryCmd)
	stateCmd.AddCommand(statePurgeCmd)
	stateCmd.AddCommand(stateCleanupCmd)
	stateCleanupCmd.Flags().Bool("yes", false, "Confirm removing all state")

	warcCmd.AddCommand(warcInspectCmd)
	warcCmd.AddCommand(warcExtractCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(warcCmd)
	rootCmd.AddCommand(collectionsCmd)
}
