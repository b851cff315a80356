package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/OFFIS-RIT/lantern/backend/internal/app"
	"github.com/OFFIS-RIT/lantern/backend/pkg/common"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one scenario through the pipeline",
	Long: `Run one scenario through the pipeline and print the result.

The facts file may hold a JSON array of facts, an object with a "facts"
array or slightly broken model output; it is repaired where possible.

Examples:
  lanternctl run --facts facts.json --scenario scn-a
  lanternctl run --facts facts.json --scenario scn-a --document filing.html --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		factsPath, _ := cmd.Flags().GetString("facts")
		scenario, _ := cmd.Flags().GetString("scenario")
		documents, _ := cmd.Flags().GetStringSlice("document")

		in, err := readReconInput(factsPath, documents)
		if err != nil {
			return err
		}

		a, err := app.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		res := a.Coordinator.Run(cmd.Context(), scenario, in)
		if err := printResult(cmd.OutOrStdout(), res, jsonOutput); err != nil {
			return err
		}
		if res.Status != common.RunCompleted {
			return fmt.Errorf("run failed in %s", res.FailedStage)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().String("facts", "", "File with raw facts (JSON)")
	runCmd.Flags().String("scenario", "", "Scenario hash")
	runCmd.Flags().StringSlice("document", nil, "Source document to archive with the scenario (repeatable)")
	_ = runCmd.MarkFlagRequired("facts")
	_ = runCmd.MarkFlagRequired("scenario")
	rootCmd.AddCommand(runCmd)
}

func readReconInput(factsPath string, documents []string) (common.ReconInput, error) {
	data, err := os.ReadFile(factsPath)
	if err != nil {
		return common.ReconInput{}, fmt.Errorf("failed to read facts: %w", err)
	}
	in := common.ReconInput{RawFacts: string(data)}
	for _, path := range documents {
		text, err := os.ReadFile(path)
		if err != nil {
			return common.ReconInput{}, fmt.Errorf("failed to read document: %w", err)
		}
		in.Documents = append(in.Documents, common.SourceDocument{Text: string(text), SourceURL: "file://" + path})
	}
	return in, nil
}

func printResult(w io.Writer, res common.PipelineResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()

	status := green(res.Status)
	if res.Status != common.RunCompleted {
		status = red(res.Status)
	}
	fmt.Fprintf(w, "Scenario %s: %s\n", cyan(res.ScenarioHash), status)

	for _, st := range res.Stages {
		mark := green("✓")
		if st.Status != common.RunCompleted {
			mark = red("✗")
		}
		fmt.Fprintf(w, "  %s %-12s attempts=%d %dms", mark, st.Stage, st.Attempts, st.DurationMs)
		if st.Error != "" {
			fmt.Fprintf(w, "  %s", red(st.Error))
		}
		fmt.Fprintln(w)
	}

	c := res.Counters
	fmt.Fprintf(w, "Entities: %d  Conflicts: %d  Loops: %d  Violations: %d  Recommendations: %d\n",
		c.EntitiesProcessed, c.ConflictsResolved, c.LoopsDetected, c.ViolationsFlagged, c.RecommendationsGenerated)
	return nil
}
