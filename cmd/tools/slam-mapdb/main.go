// Command slam-mapdb inspects and maintains the archive index written by
// slamserver.
//
// Usage:
//
//	slam-mapdb [--db path] <command> [options]
//
// Commands:
//
//	status                  show schema version and dirty state
//	down                    roll back one schema migration
//	archives [--sensor s]   list indexed archives, newest first
//	prune --keep N          delete all but the N newest archives per sensor
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/banshee-data/slamserver/internal/mapdb"
	"github.com/banshee-data/slamserver/internal/security"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	flagSet := pflag.NewFlagSet("slam-mapdb", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	dbPath := flagSet.String("db", "data/map/archives.db", "path to the archive index")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	rest := flagSet.Args()
	if len(rest) == 0 {
		printHelp(stdout)
		return errors.New("missing command")
	}

	db, err := mapdb.Open(*dbPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", *dbPath, err)
	}
	defer db.Close()

	ctx := context.Background()
	switch cmd, cmdArgs := rest[0], rest[1:]; cmd {
	case "status":
		return printStatus(db, stdout)
	case "down":
		if err := db.MigrateDown(); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "rolled back one migration")
		return printStatus(db, stdout)
	case "archives":
		return listArchives(ctx, db, cmdArgs, stdout)
	case "prune":
		return prune(ctx, db, cmdArgs, stdout)
	case "help":
		printHelp(stdout)
		return nil
	default:
		printHelp(stdout)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printStatus(db *mapdb.DB, w io.Writer) error {
	version, dirty, err := db.MigrateVersion()
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	fmt.Fprintf(w, "schema version: %d\n", version)
	fmt.Fprintf(w, "dirty: %v\n", dirty)
	return nil
}

func listArchives(ctx context.Context, db *mapdb.DB, args []string, w io.Writer) error {
	flagSet := pflag.NewFlagSet("archives", pflag.ContinueOnError)
	sensor := flagSet.String("sensor", "", "only list archives for this sensor")
	limit := flagSet.Int("limit", 0, "maximum rows (0 = all)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	archives, err := db.ListArchives(ctx, *sensor, *limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tSENSOR\tKEYFRAMES\tSIZE\tCOMPRESSED\tPATH")
	for _, a := range archives {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%v\t%s\n",
			a.CreatedAt.Format("2006-01-02T15:04:05Z"), a.Sensor, a.KeyframeCount, a.SizeBytes, a.Compressed, a.Path)
	}
	return tw.Flush()
}

func prune(ctx context.Context, db *mapdb.DB, args []string, w io.Writer) error {
	flagSet := pflag.NewFlagSet("prune", pflag.ContinueOnError)
	sensor := flagSet.String("sensor", "", "only prune this sensor (default: every sensor)")
	keep := flagSet.Int("keep", 5, "newest archives to keep per sensor")
	mapDir := flagSet.String("map-dir", "data/map", "archive directory; files outside it are never removed")
	dryRun := flagSet.Bool("dry-run", false, "report what would be removed")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if *keep < 1 {
		return fmt.Errorf("--keep must be at least 1, got %d", *keep)
	}

	archives, err := db.ListArchives(ctx, *sensor, 0)
	if err != nil {
		return err
	}

	kept := map[string]int{}
	removed := 0
	for _, a := range archives {
		if kept[a.Sensor] < *keep {
			kept[a.Sensor]++
			continue
		}
		if err := security.ValidatePathWithinDirectory(a.Path, *mapDir); err != nil {
			fmt.Fprintf(w, "skip %s: %v\n", a.Path, err)
			continue
		}
		if *dryRun {
			fmt.Fprintf(w, "would remove %s\n", a.Path)
			continue
		}
		if err := os.Remove(filepath.Clean(a.Path)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", a.Path, err)
		}
		if err := db.DeleteArchive(ctx, a.Path); err != nil {
			return err
		}
		fmt.Fprintf(w, "removed %s\n", a.Path)
		removed++
	}
	fmt.Fprintf(w, "%d archive(s) removed\n", removed)
	return nil
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: slam-mapdb [--db path] <command> [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  status      Show schema version and dirty state")
	fmt.Fprintln(w, "  down        Roll back one schema migration")
	fmt.Fprintln(w, "  archives    List archives (--sensor, --limit)")
	fmt.Fprintln(w, "  prune       Remove old archives (--keep, --sensor, --map-dir, --dry-run)")
	fmt.Fprintln(w, "  help        Show this help message")
}
