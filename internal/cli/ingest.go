package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"tradejournal/internal/models"
)

// addIngestCommands adds CSV ingestion commands.
func addIngestCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newIngestCmd(app))
}

func newIngestCmd(app *App) *cobra.Command {
	var (
		userID      string
		brokerID    string
		tags        []string
		corrections string
	)

	cmd := &cobra.Command{
		Use:   "ingest <file.csv>",
		Short: "Import a broker CSV export",
		Long: `Import a broker CSV export. Known approved layouts import directly as
orders; unknown or low-confidence layouts are staged for review.

Pass --corrections with a JSON file of header-to-field fixes to confirm
the mapping inline and import directly.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Ingest == nil {
				return fmt.Errorf("store unavailable")
			}
			output := NewOutput(cmd)

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}

			var result interface{}
			if corrections != "" {
				corrected, err := loadCorrections(corrections)
				if err != nil {
					return err
				}
				res, err := app.Ingest.IngestWithCorrections(cmd.Context(), data, args[0], userID, brokerID, tags, corrected)
				if err != nil {
					return err
				}
				result = res
				if !output.IsJSON() {
					printIngestResult(output, res.ImportBatchID, res.FormatID, res.FormatCreated,
						res.DirectOrders, res.StagedRows, len(res.RowErrors), res.RequiresReview)
				}
			} else {
				res, err := app.Ingest.Ingest(cmd.Context(), data, args[0], userID, brokerID, tags)
				if err != nil {
					return err
				}
				result = res
				if !output.IsJSON() {
					printIngestResult(output, res.ImportBatchID, res.FormatID, res.FormatCreated,
						res.DirectOrders, res.StagedRows, len(res.RowErrors), res.RequiresReview)
					if res.Mapping != nil {
						printMapping(output, res.Mapping.Source, res.Mapping.OverallConfidence, res.Mapping.Degraded)
					}
				}
			}

			if output.IsJSON() {
				return output.JSON(result)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id owning the imported orders")
	cmd.Flags().StringVar(&brokerID, "broker", "", "broker identifier for the export")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "account tags to attach to imported orders")
	cmd.Flags().StringVar(&corrections, "corrections", "", "JSON file with header-to-field mapping corrections")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("broker")

	return cmd
}

func printIngestResult(output *Output, batchID, formatID string, created bool, direct, staged, rowErrors int, review bool) {
	output.Bold("Import Batch %s", batchID)
	output.Printf("  Format:       %s", formatID)
	if created {
		output.Printf(" (new)")
	}
	output.Println()
	output.Printf("  Direct Orders: %d\n", direct)
	output.Printf("  Staged Rows:   %d\n", staged)
	if rowErrors > 0 {
		output.Warning("  Row Errors:    %d", rowErrors)
	}
	if review {
		output.Info("Rows staged pending mapping review. An admin can approve the format with 'tradejournal formats approve %s'.", formatID)
	} else {
		output.Success("✓ Imported directly")
	}
}

func printMapping(output *Output, source string, confidence float64, degraded bool) {
	line := fmt.Sprintf("Mapping: source=%s confidence=%s", source, FormatConfidence(confidence))
	if degraded {
		output.Warning("%s (AI unavailable, heuristic fallback)", line)
	} else {
		output.Dim("%s", line)
	}
}

// loadCorrections reads a corrections file: {"Header": "canonicalField", ...}
// or the long form {"Header": {"field": "...", "confidence": 0.95}}.
func loadCorrections(path string) (map[string]models.FieldMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading corrections: %w", err)
	}

	var short map[string]string
	if err := json.Unmarshal(data, &short); err == nil {
		corrected := make(map[string]models.FieldMapping, len(short))
		for header, field := range short {
			if !models.IsCanonicalField(field) {
				return nil, fmt.Errorf("unknown canonical field %q for header %q (valid: %s)",
					field, header, strings.Join(canonicalFieldNames(), ", "))
			}
			corrected[header] = models.FieldMapping{
				CanonicalField: models.CanonicalField(field),
				Confidence:     1.0,
			}
		}
		return corrected, nil
	}

	var long map[string]struct {
		Field      string  `json:"field"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(data, &long); err != nil {
		return nil, fmt.Errorf("parsing corrections: %w", err)
	}
	corrected := make(map[string]models.FieldMapping, len(long))
	for header, entry := range long {
		if !models.IsCanonicalField(entry.Field) {
			return nil, fmt.Errorf("unknown canonical field %q for header %q", entry.Field, header)
		}
		confidence := entry.Confidence
		if confidence == 0 {
			confidence = 1.0
		}
		corrected[header] = models.FieldMapping{
			CanonicalField: models.CanonicalField(entry.Field),
			Confidence:     confidence,
		}
	}
	return corrected, nil
}

// loadCorrectionsIfSet is loadCorrections with an empty path meaning none.
func loadCorrectionsIfSet(path string) (map[string]models.FieldMapping, error) {
	if path == "" {
		return nil, nil
	}
	return loadCorrections(path)
}

func canonicalFieldNames() []string {
	names := make([]string, 0, len(models.CanonicalSchema))
	for _, spec := range models.CanonicalSchema {
		names = append(names, string(spec.Field))
	}
	sort.Strings(names)
	return names
}
