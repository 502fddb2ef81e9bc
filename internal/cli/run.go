package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"github.com/marian925/crucible/internal/config"
	"github.com/marian925/crucible/internal/engine"
	"github.com/marian925/crucible/internal/output"
	"github.com/marian925/crucible/internal/scenario"
	"github.com/marian925/crucible/internal/suite"
)

// runFlags holds run-specific flag state.
type runFlags struct {
	concurrency int
	includeTags []string
	excludeTags []string
	seed        int64
	backend     string
	baseImage   string
}

func newRunCmd(f *flags) *cobra.Command {
	rf := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run [paths...]",
		Short: "Run scenarios against fresh environments",
		Long: `Run discovers .feature files under the given paths (default: the
features list from config or crucible.yaml), expands scenario outlines
into one instance per example row, and executes each instance on its
own disposable machine.`,
		Example: `  crucible run
  crucible run features/upgrade.feature
  crucible run -c 8 --seed 42
  crucible run -t @token --exclude-tags @slow`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSuite(cmd.Context(), f, rf, args)
		},
	}

	cmd.Flags().IntVarP(&rf.concurrency, "concurrency", "c", 0, "max environments alive at once (default from config)")
	cmd.Flags().StringSliceVarP(&rf.includeTags, "tags", "t", nil, "only run scenarios with any of these tags")
	cmd.Flags().StringSliceVar(&rf.excludeTags, "exclude-tags", nil, "skip scenarios with any of these tags")
	cmd.Flags().Int64Var(&rf.seed, "seed", 0, "shuffle instance order with this seed (0 keeps declaration order)")
	cmd.Flags().StringVar(&rf.backend, "backend", "", "environment backend: lxd or ec2 (default from config)")
	cmd.Flags().StringVar(&rf.baseImage, "base-image", "", "override the base image or AMI")

	return cmd
}

// runSuite is the core execution path: resolve → plan → dispatch →
// report → upload failure artifacts.
func runSuite(ctx context.Context, f *flags, rf *runFlags, args []string) error {
	cc, err := resolveCmdContext(f.outputMode(), rf.includeTags)
	if err != nil {
		return err
	}
	w := cc.Output
	cfg := cc.Config

	// Flags override config.
	if rf.backend != "" {
		cfg.Backend.Kind = rf.backend
	}
	if rf.concurrency > 0 {
		cfg.Run.Concurrency = rf.concurrency
	}
	if rf.seed != 0 {
		cfg.Run.ShuffleSeed = rf.seed
	}
	if rf.baseImage != "" {
		cfg.Backend.BaseImage = rf.baseImage
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	opts, paths, err := buildOptions(cfg, rf, args)
	if err != nil {
		return err
	}

	files, err := suite.DiscoverFeatures(paths)
	if err != nil {
		return err
	}

	provider, err := cc.NewProvider(ctx, cfg)
	if err != nil {
		return err
	}

	w.Infof("backend: %s", cfg.Backend.Kind)

	prog := newProgress(w, f.outputMode())
	opts.OnSkip = func(tmpl *scenario.Template, reason string) {
		prog.skip(tmpl.Name, reason)
	}
	opts.OnResult = func(res engine.InstanceResult) {
		prog.result(res)
	}

	orch := suite.NewOrchestrator(provider, opts)

	plan, err := orch.Plan(files)
	if err != nil {
		return err
	}
	prog.start(len(plan))

	report, err := orch.RunPlan(ctx, plan)
	prog.stop()
	if err != nil {
		return err
	}

	passed, failed, errored := report.Counts()
	w.Summary(passed, failed, errored, report.Duration())

	uploadFailureArtifacts(ctx, cc, report)

	if report.Failed() {
		return &exitCodeError{code: 1}
	}
	return nil
}

// buildOptions merges config, crucible.yaml, and flags into suite
// options plus the feature paths to discover.
func buildOptions(cfg config.Config, rf *runFlags, args []string) (suite.Options, []string, error) {
	stepTimeout, err := cfg.Run.StepTimeoutDuration()
	if err != nil {
		return suite.Options{}, nil, err
	}

	opts := suite.Options{
		Concurrency: cfg.Run.Concurrency,
		IncludeTags: rf.includeTags,
		ExcludeTags: rf.excludeTags,
		ShuffleSeed: cfg.Run.ShuffleSeed,
		BaseImage:   cfg.Backend.BaseImage,
		StepTimeout: stepTimeout,
		Commands: engine.Commands{
			Attach:  cfg.Credentials.AttachCommand,
			Detach:  cfg.Credentials.DetachCommand,
			Install: cfg.Packages.InstallCommand,
		},
		Credentials: engine.Credentials{Token: cfg.Credentials.Token},
	}

	paths := args
	if len(paths) == 0 {
		manifest, err := suite.LoadManifest(suite.ManifestName)
		if err != nil {
			return suite.Options{}, nil, err
		}
		if manifest != nil {
			paths = manifest.Features
			if len(opts.IncludeTags) == 0 {
				opts.IncludeTags = manifest.IncludeTags
			}
			if len(opts.ExcludeTags) == 0 {
				opts.ExcludeTags = manifest.ExcludeTags
			}
		}
	}
	if len(paths) == 0 {
		paths = cfg.Run.Features
	}
	return opts, paths, nil
}

// uploadFailureArtifacts pushes failing instances' output to S3 when a
// bucket is configured. Best-effort: upload problems are warnings.
func uploadFailureArtifacts(ctx context.Context, cc *cmdContext, report *suite.Report) {
	w := cc.Output

	store, err := cc.NewArtifacts(ctx, cc.Config)
	if err != nil {
		w.Infof("warning: artifact store unavailable: %s", err)
		return
	}
	if store == nil || !report.Failed() {
		return
	}

	runID := time.Now().UTC().Format("20060102-150405")
	errs := store.UploadAll(ctx, runID, report.Results())
	for _, err := range errs {
		w.Infof("warning: %s", err)
	}
	if len(errs) == 0 {
		w.Infof("failure artifacts saved: s3://%s/%s", cc.Config.Artifacts.Bucket, store.Key(runID, "", ""))
	}
}

// progress renders per-instance results as they complete. In text mode
// a spinner shows the live count; JSON and quiet modes skip it.
type progress struct {
	w    *output.Writer
	spin *spinner.Spinner

	mu    sync.Mutex
	total int
	done  int
}

func newProgress(w *output.Writer, mode output.Mode) *progress {
	p := &progress{w: w}
	if mode == output.ModeText {
		p.spin = spinner.New(spinner.CharSets[14], 120*time.Millisecond, spinner.WithWriter(os.Stderr))
	}
	return p
}

func (p *progress) start(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total = total
	if p.spin != nil {
		p.spin.Suffix = fmt.Sprintf(" 0/%d scenarios", total)
		p.spin.Start()
	}
}

func (p *progress) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spin != nil {
		p.spin.Stop()
	}
}

func (p *progress) skip(name, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pause()
	p.w.Skip(name, reason)
	p.resume()
}

func (p *progress) result(res engine.InstanceResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done++
	p.pause()
	p.w.Result(res.Instance.ID(), res.Outcome.String(), res.Duration(), resultDetail(res))
	p.resume()
}

func (p *progress) pause() {
	if p.spin != nil {
		p.spin.Stop()
	}
}

func (p *progress) resume() {
	if p.spin != nil {
		p.spin.Suffix = fmt.Sprintf(" %d/%d scenarios", p.done, p.total)
		p.spin.Start()
	}
}

// resultDetail summarizes what went wrong for failed or errored
// instances. Passed instances get no detail lines.
func resultDetail(res engine.InstanceResult) string {
	switch res.Outcome {
	case engine.OutcomeFailed:
		detail := res.Failure.Summary()
		if stderr := strings.TrimSpace(res.Failure.Result.Stderr); stderr != "" {
			detail += "\nstderr: " + lastLine(stderr)
		}
		return detail
	case engine.OutcomeErrored:
		if res.Err != nil {
			return res.Err.Error()
		}
	}
	return ""
}

// lastLine returns the final non-empty line, where apt and dpkg put the
// actual diagnostic.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
