package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/emstat/internal/db"
	"github.com/banshee-data/emstat/internal/export"
	"github.com/banshee-data/emstat/internal/fsutil"
)

var (
	runsLimit int
	exportCSV string
	exportPNG string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(false)
		if err != nil {
			return err
		}
		defer store.Close()
		runs, err := store.Runs(runsLimit)
		if err != nil {
			return err
		}
		return runsTable(cmd.OutOrStdout(), runs)
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a recorded run as CSV and/or PNG",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportCSV == "" && exportPNG == "" {
			return fmt.Errorf("nothing to export: set --csv and/or --png")
		}
		store, err := openStore(false)
		if err != nil {
			return err
		}
		defer store.Close()
		return exportRun(fsutil.OSFileSystem{}, store, args[0], exportCSV, exportPNG)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database schema migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRawStore(func(store *db.DB) error { return store.MigrateUp() })
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRawStore(func(store *db.DB) error { return store.MigrateDown() })
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRawStore(func(store *db.DB) error {
			v, dirty, err := store.MigrateVersion()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
			return nil
		})
	},
}

var migrateForceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Set the schema version without running migrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		return withRawStore(func(store *db.DB) error { return store.MigrateForce(v) })
	},
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Number of runs to list (0 for all)")
	exportCmd.Flags().StringVar(&exportCSV, "csv", "", "CSV output path")
	exportCmd.Flags().StringVar(&exportPNG, "png", "", "PNG plot output path")

	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd, migrateForceCmd)
	rootCmd.AddCommand(runsCmd, exportCmd, migrateCmd)
}

// openStore opens the configured database. Unless raw is set the schema is
// migrated to the latest version.
func openStore(raw bool) (*db.DB, error) {
	open := db.NewDB
	if raw {
		open = db.OpenDB
	}
	store, err := open(cfg.GetDBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}

func withRawStore(fn func(*db.DB) error) error {
	store, err := openStore(true)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func runsTable(w io.Writer, runs []db.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tDURATION\tOUTCOME\tPOINTS\tDEVICE\tSCRIPT")
	for _, r := range runs {
		duration := "-"
		if r.EndedAt != nil {
			duration = r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.RunID, r.StartedAt.Local().Format(time.DateTime), duration, r.Outcome, r.Points, r.Device, r.ScriptName)
	}
	return tw.Flush()
}

// exportRun writes the readings of runID to the given paths. Empty paths are
// skipped.
func exportRun(fsys fsutil.FileSystem, store *db.DB, runID, csvPath, pngPath string) error {
	run, err := store.Run(runID)
	if err != nil {
		return err
	}
	readings, err := store.Readings(runID)
	if err != nil {
		return err
	}
	if csvPath != "" {
		err := export.SaveFile(fsys, csvPath, func(w io.Writer) error {
			return export.WriteCSV(w, readings)
		})
		if err != nil {
			return fmt.Errorf("failed to write csv: %w", err)
		}
	}
	if pngPath != "" {
		title := run.ScriptName
		if title == "" {
			title = "run " + run.RunID
		}
		err := export.SaveFile(fsys, pngPath, func(w io.Writer) error {
			return export.WritePNG(w, title, readings)
		})
		if err != nil {
			return fmt.Errorf("failed to write png: %w", err)
		}
	}
	return nil
}
