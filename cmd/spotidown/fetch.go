package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/openmusicplayer/spotidown/internal/acquire"
	"github.com/openmusicplayer/spotidown/internal/catalog"
	"github.com/openmusicplayer/spotidown/internal/config"
	"github.com/openmusicplayer/spotidown/internal/packager"
)

var (
	okMark   = color.New(color.FgGreen).SprintFunc()
	failMark = color.New(color.FgRed).SprintFunc()
	dim      = color.New(color.Faint).SprintFunc()
	heading  = color.New(color.FgCyan, color.Bold).SprintFunc()
)

func init() {
	cmdRoot.AddCommand(cmdFetch())
}

func cmdFetch() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Download a track, album or playlist into a local directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("output")
			zip, _ := cmd.Flags().GetBool("zip")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return fetch(ctx, config.Load(), args[0], out, zip)
		},
	}
	cmd.Flags().StringP("output", "o", filepath.Join(xdg.UserDirs.Music, "spotidown"), "Directory the files are written to")
	cmd.Flags().BoolP("zip", "z", false, "Pack an album or playlist into one archive")
	return cmd
}

func fetch(ctx context.Context, cfg *config.Config, link, outDir string, zip bool) error {
	// Keep logs for real problems; progress goes to the terminal.
	cfg.LogLevel = "error"
	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	provider, closeCatalog, err := a.catalogProvider(ctx)
	if err != nil {
		return err
	}
	defer closeCatalog()

	coll, err := provider.Resolve(ctx, link)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s (%d tracks)\n", heading(coll.Name), dim(string(coll.Kind)), len(coll.Tracks))

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	dest := outDir
	if zip && coll.Kind != catalog.KindTrack {
		dest, err = os.MkdirTemp(outDir, ".spotidown-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dest)
	}

	var files []string
	for i, t := range coll.Tracks {
		if i > 0 && cfg.TrackDelayMin > 0 {
			select {
			case <-time.After(cfg.TrackDelayMin):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		label := fmt.Sprintf("[%d/%d] %s", i+1, len(coll.Tracks), catalog.TrackLabel(t))
		res, err := a.engine.Acquire(ctx, dest, acquire.Request{
			Query:     acquire.SearchQuery(t.Artist, t.Title),
			FinalName: acquire.TrackName(t.Artist, t.Title),
			Title:     t.Title,
			Artist:    t.Artist,
			Album:     t.Album,
			CoverURL:  t.CoverURL,
		})
		if err != nil {
			fmt.Printf("%s %s %s\n", failMark("✗"), label, dim(err.Error()))
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		note := res.Source
		if res.Cached {
			note = "already present"
		}
		fmt.Printf("%s %s %s\n", okMark("✓"), label, dim(note))
		files = append(files, res.Path)
	}

	if len(files) == 0 {
		return fmt.Errorf("no track could be downloaded")
	}

	if zip && coll.Kind != catalog.KindTrack {
		archive, err := packager.Pack(ctx, files, coll.Name, outDir)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", okMark("archive"), archive)
	}

	fmt.Printf("%d/%d tracks saved to %s\n", len(files), len(coll.Tracks), outDir)
	return nil
}
