package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openmusicplayer/spotidown/internal/config"
	"github.com/openmusicplayer/spotidown/internal/sweeper"
)

func init() {
	cmdRoot.AddCommand(cmdSweep())
}

// cmdSweep runs one sweep over the download root. Artifact and job records
// live in the server's memory, so a standalone sweep only reclaims stale
// workspaces and files no running process references.
func cmdSweep() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete stale workspaces and expired files from the download root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if retention, _ := cmd.Flags().GetDuration("retention"); retention > 0 {
				cfg.Retention = retention
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}

			sw := sweeper.New(sweeper.Config{
				DownloadDir:        cfg.DownloadDir,
				WorkspaceDir:       cfg.WorkspaceDir,
				Retention:          cfg.Retention,
				WorkspaceRetention: cfg.WorkspaceRetention,
				Interval:           cfg.SweepInterval,
			}, a.store, nil, nil, a.metrics, a.log.WithComponent("sweeper"))

			r := sw.Sweep(cmd.Context(), time.Now())
			if r.Empty() {
				fmt.Println(dim("nothing to delete"))
				return nil
			}
			fmt.Printf("%s %d workspaces, %d files\n", okMark("deleted"), r.Workspaces, r.Orphans)
			if r.Failures > 0 {
				return fmt.Errorf("%d entries could not be deleted", r.Failures)
			}
			return nil
		},
	}
	cmd.Flags().Duration("retention", 0, "Override RETENTION for this run")
	return cmd
}
