package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kozaktomas/face-recognizer/internal/identity"
	"github.com/kozaktomas/face-recognizer/internal/logger"
	"github.com/kozaktomas/face-recognizer/internal/recognizer"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var importCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Enroll every photo in a directory",
	Long: `Enroll one person per image file in a directory. The person name is the
file name without extension, with underscores turned into spaces
("Jane_Doe.jpg" becomes "Jane Doe").

Names that are already enrolled are skipped, so the import can be re-run.
Requests are sent concurrently and coalesced into inference batches.

Examples:
  # Enroll all photos (8 concurrent workers)
  face-recognizer import ./people

  # Use different concurrency
  face-recognizer import ./people --concurrency 16`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

var importExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().Int("concurrency", 8, "Number of parallel workers")
	importCmd.Flags().Int("limit", 0, "Limit number of files to process (0 = no limit)")
}

// importTarget is an image file and the name it is enrolled under.
type importTarget struct {
	path string
	name string
}

// collectImportTargets lists the image files directly inside dir sorted by name.
func collectImportTargets(dir string, limit int) ([]importTarget, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}
	var targets []importTarget
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !importExtensions[ext] {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		name = strings.TrimSpace(strings.ReplaceAll(name, "_", " "))
		if name == "" {
			continue
		}
		targets = append(targets, importTarget{path: filepath.Join(dir, e.Name()), name: name})
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].path < targets[j].path })
	if limit > 0 && len(targets) > limit {
		targets = targets[:limit]
	}
	return targets, nil
}

func runImport(cmd *cobra.Command, args []string) error {
	concurrency := mustGetInt(cmd, "concurrency")
	limit := mustGetInt(cmd, "limit")
	if concurrency < 1 {
		concurrency = 1
	}

	targets, err := collectImportTargets(args[0], limit)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		fmt.Println("No images found")
		return nil
	}

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	before, _ := a.service.Store().List(ctx)
	fmt.Printf("Persons enrolled: %d\n", len(before))
	fmt.Printf("Images to import: %d\n\n", len(targets))

	bar := progressbar.NewOptions(len(targets),
		progressbar.OptionSetDescription("Enrolling faces"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("photos"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	var enrolled, skipped, noFace, failed int
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, t := range targets {
		g.Go(func() error {
			defer bar.Add(1)

			data, err := os.ReadFile(t.path)
			if err == nil {
				_, err = a.service.Enroll(gctx, t.name, data)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				enrolled++
			case errors.Is(err, identity.ErrConflict):
				skipped++
			case errors.Is(err, recognizer.ErrNoFace):
				noFace++
				logger.Debug(logger.Fields{"file": t.path}, "no face found")
			default:
				failed++
				logger.Warn(logger.Fields{"file": t.path, "error": err}, "enroll failed")
			}
			// Per-file failures never abort the import.
			return nil
		})
	}

	_ = g.Wait()
	fmt.Println()

	after, _ := a.service.Store().List(ctx)
	fmt.Printf("\nCompleted: %d enrolled, %d already enrolled, %d without face, %d errors\n",
		enrolled, skipped, noFace, failed)
	fmt.Printf("Total persons: %d\n", len(after))

	if failed > 0 {
		return fmt.Errorf("%d image(s) failed to import", failed)
	}
	return nil
}
