// Command bundlectl runs one-shot update operations against a bundleupdate
// storage root: checking for and applying an update, validating the
// installed bundle, repairing a damaged link farm, and reclaiming
// superseded content. Grounded in cmd/dist's one-shot pull/push/list
// commands (deleted here, superseded by these four) and cmd/pruner's
// direct invocation of the collector.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/distribution/bundleupdate/cleanup"
	"github.com/distribution/bundleupdate/storagemgr"
	"github.com/distribution/bundleupdate/update"
)

// runGC invokes the cleanup collector directly, for operator use outside
// the update-cycle trigger (supplemental feature 1). §4.11's third
// precondition — "the most recent cycle observed UpToDate" — has no
// meaning for a standalone invocation with no prior cycle in this
// process; a direct run is treated as satisfying it, since the other two
// preconditions (manifest parses, current version validates) still gate
// the operation. See DESIGN.md.
func runGC(engine *update.Engine) (cleanup.Result, error) {
	var result cleanup.Result
	err := engine.Storage.WithWriteScope(context.Background(), func(w *storagemgr.WriteScope) error {
		var runErr error
		result, runErr = cleanup.Run(context.Background(), w, cleanup.LastCycleUpToDate, engine.Platform)
		return runErr
	})
	return result, err
}

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "bundlectl",
		Short: "Operate a bundleupdate storage root",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "bundleupdate.yml", "path to the configuration file")

	root.AddCommand(checkCommand(), validateCommand(), gcCommand(), repairCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func checkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run one update cycle and print the event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			configureLogging(cfg)

			engine, err := buildEngine(cfg)
			if err != nil {
				return err
			}

			return engine.RunCycleSink(context.Background(), func(ev update.Event) {
				printEvent(ev)
			})
		},
	}
}

func validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the currently activated version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			configureLogging(cfg)

			engine, err := buildEngine(cfg)
			if err != nil {
				return err
			}

			validator := update.NewValidator(engine.Storage, engine.Verifier, engine.Platform, engine.HostVersion)
			result, err := validator.Validate(func(p update.ValidationProgress) {
				fmt.Printf("%s\n", p.Kind)
			})
			if err != nil {
				return err
			}

			fmt.Printf("result: %s\n", result.Kind)
			if result.Kind == update.ValidationFailed {
				fmt.Printf("reason: %s\n", result.Reason)
				for _, f := range result.Failures {
					fmt.Printf("  %s: %s (expected %s)\n", f.Path, f.Reason, f.Expected)
				}
				os.Exit(1)
			}
			return nil
		},
	}
}

func gcCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Reclaim superseded versions and orphaned CAS entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			configureLogging(cfg)

			engine, err := buildEngine(cfg)
			if err != nil {
				return err
			}

			result, err := runGC(engine)
			if err != nil {
				return err
			}

			fmt.Printf("versions removed: %v\n", result.VersionsRemoved)
			fmt.Printf("cas files removed: %d\n", result.CASFilesRemoved)
			fmt.Printf("bytes freed: %d\n", result.BytesFreed)
			return nil
		},
	}
}

func repairCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Re-prepare the installed version's link farm and revalidate",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			configureLogging(cfg)

			engine, err := buildEngine(cfg)
			if err != nil {
				return err
			}

			result, err := engine.Repair(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("result: %s\n", result.Kind)
			return nil
		},
	}
}

func printEvent(ev update.Event) {
	switch ev.Kind {
	case update.KindUpdateAvailable:
		fmt.Printf("%s: build %d -> %d (%d bytes, incremental=%v)\n", ev.Kind,
			ev.Available.CurrentBuildNumber, ev.Available.NewBuildNumber, ev.Available.DownloadSize, ev.Available.IsIncremental)
	case update.KindDownloading:
		fmt.Printf("%s: %d/%d bytes (%s)\n", ev.Kind, ev.Progress.BytesDownloaded, ev.Progress.TotalBytes, ev.Progress.CurrentPath)
	case update.KindBackingOff:
		fmt.Printf("%s: retry %d in %s\n", ev.Kind, ev.BackingOff.RetryNumber, ev.BackingOff.Delay)
	case update.KindError:
		fmt.Printf("%s: %s: %s\n", ev.Kind, ev.ErrorKind, ev.Message)
	case update.KindUpToDate, update.KindUpdateReady:
		fmt.Printf("%s: build %d\n", ev.Kind, ev.BuildNumber)
	case update.KindCleanupComplete:
		fmt.Printf("%s: removed %v, freed %d bytes\n", ev.Kind, ev.Cleanup.VersionsRemoved, ev.Cleanup.BytesFreed)
	default:
		fmt.Printf("%s\n", ev.Kind)
	}
}
