package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/kozaktomas/face-recognizer/internal/identity"
	"github.com/spf13/cobra"
)

var detectCmd = &cobra.Command{
	Use:   "detect <image>",
	Short: "Detect faces in an image",
	Long: `Run face detection on an image and print the bounding boxes with their
confidence. Nothing is stored.

Examples:
  face-recognizer detect group.jpg
  face-recognizer detect group.jpg --json`,
	Args: cobra.ExactArgs(1),
	RunE: runDetect,
}

var enrollCmd = &cobra.Command{
	Use:   "enroll <name> <image>",
	Short: "Enroll a person from a photo",
	Long: `Enroll a new person. The largest face in the image is embedded and
stored under the given name. Names are unique.

Examples:
  face-recognizer enroll "Jane Doe" jane.jpg`,
	Args: cobra.ExactArgs(2),
	RunE: runEnroll,
}

var searchCmd = &cobra.Command{
	Use:   "search <image>",
	Short: "Recognize the person in a photo",
	Long: `Embed the largest face in the image and look up the closest enrolled
person. Matches below the similarity threshold are reported as unknown.

Examples:
  face-recognizer search unknown.jpg
  face-recognizer search unknown.jpg --threshold 0.5`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(enrollCmd)
	rootCmd.AddCommand(searchCmd)

	detectCmd.Flags().Bool("json", false, "Output as JSON")
	enrollCmd.Flags().Bool("json", false, "Output as JSON")
	searchCmd.Flags().Bool("json", false, "Output as JSON")
	searchCmd.Flags().Float64("threshold", -1, "Minimum cosine similarity (default SIMILARITY_THRESHOLD)")
}

func runDetect(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	analysis, err := a.service.Detect(cmd.Context(), data)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(analysis)
	}

	fmt.Printf("%s: %dx%d %s, %d face(s)\n", args[0], analysis.Width, analysis.Height, analysis.Format, len(analysis.Detections))
	printDetections(analysis.Detections, -1)
	return nil
}

func runEnroll(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	name, path := args[0], args[1]

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	enrollment, err := a.service.Enroll(cmd.Context(), name, data)
	if err != nil {
		return fmt.Errorf("enrolling %q: %w", name, err)
	}
	if jsonOutput {
		return printJSON(enrollment)
	}

	p := enrollment.Person
	fmt.Printf("Enrolled %q as person %d (vector %s)\n", p.Name, p.ID, p.VectorID)
	printDetections(enrollment.Detections, enrollment.BestDetID)
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	threshold := mustGetFloat64(cmd, "threshold")

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if threshold < 0 {
		threshold = a.cfg.Identity.SimilarityThreshold
	}

	rec, err := a.service.Search(cmd.Context(), data, threshold)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			fmt.Printf("No enrolled person above similarity %.2f\n", threshold)
			return nil
		}
		return err
	}
	if jsonOutput {
		return printJSON(rec)
	}

	fmt.Printf("Matched %q (person %d), similarity %.4f\n", rec.Match.Person.Name, rec.Match.Person.ID, rec.Match.Score)
	printDetections(rec.Detections, rec.BestDetID)
	return nil
}
