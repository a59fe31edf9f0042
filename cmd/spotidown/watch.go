package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openmusicplayer/spotidown/internal/config"
	"github.com/openmusicplayer/spotidown/internal/download"
	"github.com/openmusicplayer/spotidown/internal/logger"
)

func init() {
	cmdRoot.AddCommand(cmdWatch())
}

// cmdWatch follows a batch job through the Redis progress channel a server
// publishes to.
func cmdWatch() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a batch job's progress published to Redis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cfg.RedisURL == "" {
				return errors.New("REDIS_URL is not set")
			}
			ctx := cmd.Context()
			jobID := args[0]

			pub, err := download.NewPublisher(cfg.RedisURL, cfg.ProgressChannel, cfg.Retention, logger.Discard())
			if err != nil {
				return err
			}
			defer pub.Close()

			// Subscribe before reading the snapshot so no update falls between.
			sub, err := pub.Subscribe(ctx, jobID)
			if err != nil {
				return err
			}
			defer sub.Close()

			if job, err := pub.Snapshot(ctx, jobID); err == nil {
				printJob(*job)
				if job.IsTerminal() {
					return nil
				}
			} else if !errors.Is(err, download.ErrJobNotFound) {
				return err
			}

			updates := sub.Channel()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case job, ok := <-updates:
					if !ok {
						return errors.New("subscription closed")
					}
					printJob(job)
					if job.IsTerminal() {
						return nil
					}
				}
			}
		},
	}
}

func printJob(job download.Job) {
	line := fmt.Sprintf("%s %s %s", heading(job.CollectionName), job.Progress(), job.Status)
	switch job.Status {
	case download.StatusDone:
		fmt.Printf("%s %s\n", okMark("✓"), line)
	case download.StatusError:
		fmt.Printf("%s %s %s\n", failMark("✗"), line, dim(job.Error))
	default:
		fmt.Printf("  %s\n", line)
	}
}
