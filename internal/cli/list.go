package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marian925/crucible/internal/config"
	"github.com/marian925/crucible/internal/output"
	"github.com/marian925/crucible/internal/scenario"
	"github.com/marian925/crucible/internal/suite"
)

func newListCmd(f *flags) *cobra.Command {
	rf := &runFlags{}

	cmd := &cobra.Command{
		Use:   "list [paths...]",
		Short: "Show the run plan without provisioning anything",
		Long: `List parses and expands the selected feature files and prints the
instances a run would execute, in dispatch order. Nothing is launched.`,
		Example: `  crucible list
  crucible list --exclude-tags @slow features/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listPlan(f, rf, args)
		},
	}

	cmd.Flags().StringSliceVarP(&rf.includeTags, "tags", "t", nil, "only list scenarios with any of these tags")
	cmd.Flags().StringSliceVar(&rf.excludeTags, "exclude-tags", nil, "skip scenarios with any of these tags")
	cmd.Flags().Int64Var(&rf.seed, "seed", 0, "shuffle instance order with this seed")

	return cmd
}

// listPlan needs only configuration, so backend preflight is skipped.
func listPlan(f *flags, rf *runFlags, args []string) error {
	w := output.New(f.outputMode())

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}
	cfg, _, err := config.Load(cwd)
	if err != nil {
		return err
	}
	if rf.seed != 0 {
		cfg.Run.ShuffleSeed = rf.seed
	}

	opts, paths, err := buildOptions(cfg, rf, args)
	if err != nil {
		return err
	}
	opts.OnSkip = func(tmpl *scenario.Template, reason string) {
		w.Skip(tmpl.Name, reason)
	}

	files, err := suite.DiscoverFeatures(paths)
	if err != nil {
		return err
	}

	// Planning needs no environments, so no provider is wired.
	orch := suite.NewOrchestrator(nil, opts)
	plan, err := orch.Plan(files)
	if err != nil {
		return err
	}

	for _, inst := range plan {
		w.Infof("%s  (%s, %s)  %s", inst.ID(), inst.Release, inst.MachineType, inst.SourceFile)
	}
	w.Separator()
	w.Info(fmt.Sprintf("%d instances across %d feature files", len(plan), len(files)))
	return nil
}
