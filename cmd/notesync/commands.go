package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/notesync/internal/config"
	"github.com/kalambet/notesync/internal/localcache"
	"github.com/kalambet/notesync/internal/storage"
)

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show pending and failed remote operations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		failed, _ := cmd.Flags().GetBool("failed")
		retry, _ := cmd.Flags().GetBool("retry")
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		if retry {
			n, err := store.RequeueFailedJobs()
			if err != nil {
				return fmt.Errorf("requeueing failed operations: %w", err)
			}
			printSuccess("Requeued %d failed operations", n)
			return nil
		}

		status := "pending"
		if failed {
			status = "failed"
		}
		jobs, err := store.ListJobs(status, limit)
		if err != nil {
			return fmt.Errorf("listing operations: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(jobs) == 0 {
			fmt.Fprintf(out, "No %s operations.\n", status)
			return nil
		}
		for _, j := range jobs {
			line := fmt.Sprintf("%s  %-11s  note %s  attempts %d/%d",
				colorize(colorCyan, shortID(j.ID)), j.Type, shortID(j.Key), j.Attempts, j.MaxAttempts)
			if j.LastError != "" {
				line += "  " + colorize(colorRed, truncate(j.LastError, 60))
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}

func init() {
	queueCmd.Flags().Bool("failed", false, "show operations that exhausted their attempts")
	queueCmd.Flags().Bool("retry", false, "move failed operations back to the queue")
	queueCmd.Flags().Int("limit", 50, "maximum number of operations to list")
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show account, queue and remote store status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.close()

		out := cmd.OutOrStdout()

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		defer cancel()
		if err := a.client.Health(ctx); err != nil {
			printStatus(out, "Remote", "unreachable at %s", cfg.Remote.BaseURL)
		} else {
			printStatus(out, "Remote", "reachable at %s", cfg.Remote.BaseURL)
		}

		if st := a.session.State(); st.OwnerID != "" {
			printStatus(out, "Account", "%s", st.Email)
		} else {
			printStatus(out, "Account", "signed out")
		}

		// Read the cache directly so status does not start a reconcile.
		notes, err := localcache.New(a.store).Load(cmd.Context())
		if err != nil {
			return fmt.Errorf("loading notes: %w", err)
		}
		localOnly := 0
		for _, n := range notes {
			if n.IsLocalOnly() {
				localOnly++
			}
		}
		printStatus(out, "Notes", "%d (%d not uploaded)", len(notes), localOnly)

		if pending, err := a.queue.Pending(cmd.Context()); err == nil {
			printStatus(out, "Pending ops", "%d", pending)
		}
		if failed, err := a.store.CountJobs("failed"); err == nil {
			printStatus(out, "Failed ops", "%d", failed)
		}

		printStatus(out, "Data dir", "%s", cfg.Storage.DataDir)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s  (%s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Restore the default for a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
