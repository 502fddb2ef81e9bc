package cli

import (
	"context"
	"fmt"
	"os"
	"slices"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/marian925/crucible/internal/artifacts"
	"github.com/marian925/crucible/internal/backend"
	"github.com/marian925/crucible/internal/backend/ec2"
	"github.com/marian925/crucible/internal/config"
	"github.com/marian925/crucible/internal/output"
	"github.com/marian925/crucible/internal/preflight"
)

// ProviderFactory builds the environment provider for a backend kind.
type ProviderFactory func(ctx context.Context, cfg config.Config) (backend.Provider, error)

// ArtifactsFactory builds the failure-artifact store, or returns nil
// when no bucket is configured.
type ArtifactsFactory func(ctx context.Context, cfg config.Config) (*artifacts.Store, error)

// cmdContext holds the resolved context for a CLI command.
// Created once per command invocation, not shared between commands.
type cmdContext struct {
	Config config.Config
	Output *output.Writer

	// Factories for the run pipeline (set in resolveCmdContext,
	// overridable in tests).
	NewProvider  ProviderFactory
	NewArtifacts ArtifactsFactory
}

// resolveCmdContext loads the configuration and wires default factories.
// Preflight runs here so every command fails fast with actionable errors.
func resolveCmdContext(mode output.Mode, includeTags []string) (*cmdContext, error) {
	w := output.New(mode)

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}

	cfg, _, err := config.Load(cwd)
	if err != nil {
		w.Error("invalid configuration", "check .crucible.toml syntax")
		return nil, displayed(err)
	}

	homeDir, _ := os.UserHomeDir()
	failures := preflight.RunAll(preflight.Options{
		BackendKind: cfg.Backend.Kind,
		TokenNeeded: slices.Contains(includeTags, "@token"),
		Token:       cfg.Credentials.Token,
		LookupEnv:   os.LookupEnv,
		FileExists:  fileExists,
		HomeDir:     homeDir,
	})
	if len(failures) > 0 {
		for _, f := range failures {
			w.Error(f.Message, f.Fix)
		}
		return nil, displayed(fmt.Errorf("preflight checks failed"))
	}

	cc := &cmdContext{
		Config: cfg,
		Output: w,
	}
	cc.NewProvider = defaultProviderFactory
	cc.NewArtifacts = defaultArtifactsFactory
	return cc, nil
}

// defaultProviderFactory picks the environment backend from config.
func defaultProviderFactory(ctx context.Context, cfg config.Config) (backend.Provider, error) {
	switch cfg.Backend.Kind {
	case "ec2":
		launchTimeout, err := cfg.Run.LaunchTimeoutDuration()
		if err != nil {
			return nil, err
		}
		return ec2.NewProvider(ctx, cfg.Backend.Region, ec2.WithLaunchTimeout(launchTimeout))
	default:
		return backend.NewLXDProvider(), nil
	}
}

// defaultArtifactsFactory builds an S3-backed store when a bucket is
// configured. A nil store means artifact upload is off.
func defaultArtifactsFactory(ctx context.Context, cfg config.Config) (*artifacts.Store, error) {
	if cfg.Artifacts.Bucket == "" {
		return nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Backend.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for artifacts: %w", err)
	}
	return artifacts.NewStore(s3.NewFromConfig(awsCfg), cfg.Artifacts.Bucket, cfg.Artifacts.Prefix), nil
}

// fileExists returns true if a file exists at the given path.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
