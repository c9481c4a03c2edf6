package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kozaktomas/face-recognizer/internal/facematch"
)

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}

func printDetections(dets []facematch.Detection, best int) {
	for i, d := range dets {
		marker := " "
		if i == best {
			marker = "*"
		}
		fmt.Printf(" %s #%d  conf=%.3f  bbox=[%.1f, %.1f, %.1f, %.1f]\n",
			marker, i, d.Confidence, d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3])
	}
}
