package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awssdkec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/spf13/cobra"

	"github.com/marian925/crucible/internal/config"
	"github.com/marian925/crucible/internal/output"
	"github.com/marian925/crucible/internal/preflight"
)

const awsCheckTimeout = 10 * time.Second

// checkFlags holds check-specific flag state.
type checkFlags struct {
	accessKeyID     string
	secretAccessKey string
}

func newCheckCmd(f *flags) *cobra.Command {
	cf := &checkFlags{}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify backend prerequisites and credentials",
		Long: `Check runs the preflight checks for the configured backend. For EC2
it also calls AWS to confirm the credentials resolve and can describe
instances, so a bad profile fails here instead of mid-suite.`,
		Example: `  crucible check
  crucible check --aws-access-key-id AKIA... --aws-secret-access-key ...`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(cmd.Context(), f, cf)
		},
	}

	cmd.Flags().StringVar(&cf.accessKeyID, "aws-access-key-id", "", "validate these credentials instead of the default chain")
	cmd.Flags().StringVar(&cf.secretAccessKey, "aws-secret-access-key", "", "secret for --aws-access-key-id")

	return cmd
}

func runCheck(ctx context.Context, f *flags, cf *checkFlags) error {
	w := output.New(f.outputMode())

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}
	cfg, cfgPath, err := config.Load(cwd)
	if err != nil {
		return err
	}
	if cfgPath != "" {
		w.Infof("config: %s", cfgPath)
	} else {
		w.Info("config: defaults (no .crucible.toml found)")
	}
	w.Infof("backend: %s", cfg.Backend.Kind)

	homeDir, _ := os.UserHomeDir()
	failures := preflight.RunAll(preflight.Options{
		BackendKind: cfg.Backend.Kind,
		Token:       cfg.Credentials.Token,
		LookupEnv:   os.LookupEnv,
		FileExists:  fileExists,
		HomeDir:     homeDir,
	})
	for _, fail := range failures {
		w.Error(fail.Message, fail.Fix)
	}
	if len(failures) > 0 {
		return displayed(fmt.Errorf("preflight checks failed"))
	}

	if cfg.Credentials.Token == "" {
		w.Info("no credential token configured: @token scenarios will be skipped")
	} else {
		w.Info("credential token configured")
	}

	if cfg.Backend.Kind == "ec2" {
		account, err := validateAWSAccess(ctx, cfg.Backend.Region, cf.accessKeyID, cf.secretAccessKey)
		if err != nil {
			w.Error(fmt.Sprintf("AWS validation failed: %s", err),
				"check your credentials with: aws sts get-caller-identity")
			return displayed(err)
		}
		w.Infof("AWS account %s reachable in %s", account, cfg.Backend.Region)
	}

	w.Info("all checks passed")
	return nil
}

// validateAWSAccess confirms the credentials resolve via STS and can
// describe EC2 instances. Empty accessKeyID means the default chain.
func validateAWSAccess(ctx context.Context, region, accessKeyID, secretAccessKey string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, awsCheckTimeout)
	defer cancel()

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return "", err
	}

	stsClient := sts.NewFromConfig(awsCfg)
	identity, err := stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", err
	}

	ec2Client := awssdkec2.NewFromConfig(awsCfg)
	if _, err := ec2Client.DescribeInstances(ctx, &awssdkec2.DescribeInstancesInput{
		MaxResults: aws.Int32(5),
	}); err != nil {
		return "", err
	}

	return aws.ToString(identity.Account), nil
}
