package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kalambet/notesync/internal/note"
)

var notesCmd = &cobra.Command{
	Use:   "notes",
	Short: "Read and change the local note collection",
}

var notesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notes, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		savedOnly, _ := cmd.Flags().GetBool("saved")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := openApp(cmd.Context(), appOptions{initialize: true})
		if err != nil {
			return err
		}
		defer a.close()
		defer a.flush()

		var notes []note.Record
		for _, n := range a.sync.Notes() {
			if savedOnly && !n.IsSaved {
				continue
			}
			notes = append(notes, n)
			if limit > 0 && len(notes) == limit {
				break
			}
		}

		out := cmd.OutOrStdout()
		if asJSON {
			if notes == nil {
				notes = []note.Record{}
			}
			return writeIndentedJSON(out, notes)
		}
		if len(notes) == 0 {
			fmt.Fprintln(out, "No notes found.")
			return nil
		}
		for _, n := range notes {
			fmt.Fprintln(out, formatNoteLine(n))
		}
		return nil
	},
}

func formatNoteLine(n note.Record) string {
	flag := " "
	if n.IsSaved {
		flag = "*"
	}
	state := "synced"
	if n.IsLocalOnly() {
		state = "local"
	}
	return fmt.Sprintf("%s %s  %-6s  %s", colorize(colorCyan, shortID(n.LocalID)), flag, state, truncate(n.Topic, 60))
}

var notesShowCmd = &cobra.Command{
	Use:   "show <local-id>",
	Short: "Show a single note as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{initialize: true})
		if err != nil {
			return err
		}
		defer a.close()
		defer a.flush()

		rec, err := a.sync.Get(args[0])
		if err != nil {
			return err
		}
		return writeIndentedJSON(cmd.OutOrStdout(), rec)
	},
}

var notesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a note",
	Long: `Add a note. It is stored locally at once and uploaded when signed in.

Examples:
  notesync notes add --topic "Mitochondria" --content "Powerhouse of the cell"
  notesync notes add --topic "Go maps" --file ./maps.md --key-point "not ordered"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		topic, _ := cmd.Flags().GetString("topic")
		content, _ := cmd.Flags().GetString("content")
		file, _ := cmd.Flags().GetString("file")
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			content = string(data)
		}
		opts := note.Options{}
		opts.Summary, _ = cmd.Flags().GetString("summary")
		opts.KeyPoints, _ = cmd.Flags().GetStringArray("key-point")
		opts.Source, _ = cmd.Flags().GetString("source")
		opts.Language, _ = cmd.Flags().GetString("language")
		opts.ImageURI, _ = cmd.Flags().GetString("image-uri")

		a, err := openApp(cmd.Context(), appOptions{initialize: true})
		if err != nil {
			return err
		}
		defer a.close()

		rec, err := a.sync.Add(cmd.Context(), topic, content, opts)
		if err != nil {
			return err
		}
		a.flush()

		fmt.Fprintln(cmd.OutOrStdout(), rec.LocalID)
		printSuccess("Added %q", rec.Topic)
		return nil
	},
}

var notesEditCmd = &cobra.Command{
	Use:   "edit <local-id>",
	Short: "Change fields of a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch, err := patchFromFlags(cmd)
		if err != nil {
			return err
		}
		if patch.Empty() {
			return fmt.Errorf("nothing to update: pass at least one field flag")
		}

		a, err := openApp(cmd.Context(), appOptions{initialize: true})
		if err != nil {
			return err
		}
		defer a.close()

		rec, err := a.sync.Update(cmd.Context(), args[0], patch)
		if err != nil {
			return err
		}
		a.flush()
		printSuccess("Updated %q", rec.Topic)
		return nil
	},
}

// patchFromFlags builds a patch from the flags the user actually set.
func patchFromFlags(cmd *cobra.Command) (note.Patch, error) {
	var p note.Patch
	flags := cmd.Flags()
	str := func(name string) (*string, error) {
		if !flags.Changed(name) {
			return nil, nil
		}
		v, err := flags.GetString(name)
		return &v, err
	}

	var err error
	if p.Topic, err = str("topic"); err != nil {
		return p, err
	}
	if p.Content, err = str("content"); err != nil {
		return p, err
	}
	if p.Summary, err = str("summary"); err != nil {
		return p, err
	}
	if p.Source, err = str("source"); err != nil {
		return p, err
	}
	if p.Language, err = str("language"); err != nil {
		return p, err
	}
	if p.ImageURI, err = str("image-uri"); err != nil {
		return p, err
	}
	if flags.Changed("key-point") {
		points, err := flags.GetStringArray("key-point")
		if err != nil {
			return p, err
		}
		p.KeyPoints = &points
	}
	return p, p.Validate()
}

var notesSaveCmd = &cobra.Command{
	Use:   "save <local-id>",
	Short: "Toggle the saved flag of a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{initialize: true})
		if err != nil {
			return err
		}
		defer a.close()

		rec, err := a.sync.ToggleSave(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		a.flush()
		if rec.IsSaved {
			printSuccess("Saved %q", rec.Topic)
		} else {
			printSuccess("Unsaved %q", rec.Topic)
		}
		return nil
	},
}

var notesDeleteCmd = &cobra.Command{
	Use:   "delete <local-id>",
	Short: "Delete a note here and on the remote store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{initialize: true})
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.sync.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		a.flush()
		printSuccess("Deleted %s", args[0])
		return nil
	},
}

var notesSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Merge the remote collection and upload local-only notes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{initialize: true})
		if err != nil {
			return err
		}
		defer a.close()

		if a.session.CurrentOwnerID() == "" {
			printWarning("Not signed in. Notes stay on this device")
			return nil
		}
		// Let the startup reconcile finish so the explicit one is not dropped.
		a.flush()
		res, err := a.sync.RefreshFromRemote(cmd.Context())
		if err != nil {
			return err
		}
		a.flush()
		if res.Skipped {
			printWarning("Sync skipped: another sync is running")
			return nil
		}
		printSuccess("Synced %d notes (%d uploaded, %d failed)", res.Total, res.Uploaded, res.Failed)
		return nil
	},
}

var notesExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all notes as JSONL",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		a, err := openApp(cmd.Context(), appOptions{initialize: true})
		if err != nil {
			return err
		}
		defer a.close()

		var w io.Writer = cmd.OutOrStdout()
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}

		enc := json.NewEncoder(w)
		notes := a.sync.Notes()
		for _, n := range notes {
			if err := enc.Encode(n); err != nil {
				return fmt.Errorf("writing note %s: %w", n.LocalID, err)
			}
		}
		if output != "" {
			printSuccess("Exported %d notes to %s", len(notes), output)
		}
		return nil
	},
}

func writeIndentedJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	notesListCmd.Flags().Bool("saved", false, "only saved notes")
	notesListCmd.Flags().Int("limit", 0, "maximum number of notes (0 = all)")
	notesListCmd.Flags().Bool("json", false, "print JSON instead of a table")

	for _, c := range []*cobra.Command{notesAddCmd, notesEditCmd} {
		c.Flags().String("topic", "", "note topic")
		c.Flags().String("content", "", "note content")
		c.Flags().String("summary", "", "short summary")
		c.Flags().StringArray("key-point", nil, "key point (repeatable)")
		c.Flags().String("language", "", "content language")
		c.Flags().String("image-uri", "", "image reference")
	}
	notesAddCmd.Flags().String("source", "cli", "where the note came from")
	notesAddCmd.Flags().String("file", "", "read content from a file")
	notesAddCmd.MarkFlagRequired("topic")
	notesEditCmd.Flags().String("source", "", "where the note came from")

	notesExportCmd.Flags().String("output", "", "output file path (default: stdout)")

	notesCmd.AddCommand(notesListCmd)
	notesCmd.AddCommand(notesShowCmd)
	notesCmd.AddCommand(notesAddCmd)
	notesCmd.AddCommand(notesEditCmd)
	notesCmd.AddCommand(notesSaveCmd)
	notesCmd.AddCommand(notesDeleteCmd)
	notesCmd.AddCommand(notesSyncCmd)
	notesCmd.AddCommand(notesExportCmd)
}
