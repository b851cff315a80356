package main

import (
	"context"
	"fmt"
	"io"

	"github.com/OFFIS-RIT/lantern/backend/internal/app"
	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/identity"
	"github.com/OFFIS-RIT/lantern/backend/pkg/store"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Entity key maintenance",
}

var keysValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Recompute every entity key and report mismatches and collisions",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := validateKeys(cmd.Context(), a.Index)
		if err != nil {
			return err
		}
		printKeyReport(cmd.OutOrStdout(), report)
		if !report.OK() {
			return fmt.Errorf("%d key mismatches, %d collisions", len(report.Mismatches), len(report.Collisions))
		}
		return nil
	},
}

func init() {
	keysCmd.AddCommand(keysValidateCmd)
	rootCmd.AddCommand(keysCmd)
}

type entityLister interface {
	Search(ctx context.Context, filter store.EntityFilter) ([]common.CanonicalEntity, error)
}

type keyReport struct {
	Checked    int
	Mismatches []identity.KeyMismatch
	Collisions []identity.CollisionGroup
}

func (r keyReport) OK() bool {
	return len(r.Mismatches) == 0 && len(r.Collisions) == 0
}

func validateKeys(ctx context.Context, index entityLister) (keyReport, error) {
	entities, err := index.Search(ctx, store.EntityFilter{})
	if err != nil {
		return keyReport{}, fmt.Errorf("failed to list entities: %w", err)
	}
	return keyReport{
		Checked:    len(entities),
		Mismatches: identity.ValidateDeterministicKeys(entities),
		Collisions: identity.DetectCollisions(entities),
	}, nil
}

func printKeyReport(w io.Writer, r keyReport) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	fmt.Fprintf(w, "Checked %d entities\n", r.Checked)
	for _, m := range r.Mismatches {
		fmt.Fprintf(w, "  %s stored %s, computed %s\n", red("mismatch"), m.StoredKey, m.ComputedKey)
	}
	for _, c := range r.Collisions {
		fmt.Fprintf(w, "  %s key %s shared by %d entities\n", red("collision"), c.Key, len(c.Entities))
	}
	if r.OK() {
		fmt.Fprintln(w, green("All keys are deterministic"))
	}
}
