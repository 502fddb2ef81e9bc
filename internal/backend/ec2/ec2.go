// Package ec2 provides an AWS-backed environment provider. Each
// scenario instance gets its own EC2 instance, reached over SSH with
// ephemeral keys pushed through EC2 Instance Connect.
package ec2

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssdkec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2instanceconnect"

	"github.com/marian925/crucible/internal/backend"
)

const (
	securityGroupName = "crucible-sg"
	securityGroupDesc = "crucible scenario environments - SSH access"
	managedTagKey     = "crucible:managed"
	managedTagValue   = "true"
	envTagKey         = "crucible:environment"
	createdTagKey     = "crucible:created"

	canonicalOwnerID = "099720109477"

	defaultLaunchTimeout = 5 * time.Minute
	bootPollInterval     = 3 * time.Second
)

// instanceType is the fixed shape for scenario environments. Graviton
// burstables keep per-scenario cost low.
const instanceType = ec2types.InstanceTypeT4gSmall

// EC2API is the subset of the EC2 client used by Provider.
type EC2API interface {
	DescribeSecurityGroups(ctx context.Context, params *awssdkec2.DescribeSecurityGroupsInput, optFns ...func(*awssdkec2.Options)) (*awssdkec2.DescribeSecurityGroupsOutput, error)
	CreateSecurityGroup(ctx context.Context, params *awssdkec2.CreateSecurityGroupInput, optFns ...func(*awssdkec2.Options)) (*awssdkec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, params *awssdkec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*awssdkec2.Options)) (*awssdkec2.AuthorizeSecurityGroupIngressOutput, error)
	RunInstances(ctx context.Context, params *awssdkec2.RunInstancesInput, optFns ...func(*awssdkec2.Options)) (*awssdkec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *awssdkec2.DescribeInstancesInput, optFns ...func(*awssdkec2.Options)) (*awssdkec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *awssdkec2.TerminateInstancesInput, optFns ...func(*awssdkec2.Options)) (*awssdkec2.TerminateInstancesOutput, error)
	DescribeImages(ctx context.Context, params *awssdkec2.DescribeImagesInput, optFns ...func(*awssdkec2.Options)) (*awssdkec2.DescribeImagesOutput, error)
}

// InstanceWaiter waits for an instance to reach the running state.
type InstanceWaiter interface {
	Wait(ctx context.Context, params *awssdkec2.DescribeInstancesInput, maxWaitDur time.Duration, optFns ...func(*awssdkec2.InstanceRunningWaiterOptions)) error
}

// remote is an established command channel into one instance.
type remote interface {
	exec(ctx context.Context, command string) (backend.ExecResult, error)
	push(ctx context.Context, localPath, remotePath string) error
	close() error
}

// dialFunc establishes remote access to a booted instance.
type dialFunc func(ctx context.Context, instanceID, publicIP, az string) (remote, error)

// session is the per-environment state the provider tracks between
// Launch and Destroy.
type session struct {
	instanceID string
	conn       remote
}

// Provider implements backend.Provider on EC2.
type Provider struct {
	ec2    EC2API
	waiter InstanceWaiter
	region string
	dial   dialFunc

	launchTimeout time.Duration

	sgOnce sync.Once
	sgID   string
	sgErr  error

	mu       sync.Mutex
	sessions map[string]*session
}

// Option customizes a Provider.
type Option func(*Provider)

// WithLaunchTimeout bounds instance start plus boot.
func WithLaunchTimeout(d time.Duration) Option {
	return func(p *Provider) { p.launchTimeout = d }
}

// WithDialer replaces the SSH dialer (tests use an in-memory remote).
func WithDialer(dial dialFunc) Option {
	return func(p *Provider) { p.dial = dial }
}

// NewProvider builds a Provider from the default AWS config. Uses
// standard credential resolution: env vars, shared config, IAM role.
func NewProvider(ctx context.Context, region string, opts ...Option) (*Provider, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := awssdkec2.NewFromConfig(cfg)
	connector := newConnector(ec2instanceconnect.NewFromConfig(cfg))
	return NewProviderFromClients(client, awssdkec2.NewInstanceRunningWaiter(client), cfg.Region,
		append([]Option{WithDialer(connector.dial)}, opts...)...), nil
}

// NewProviderFromClients builds a Provider from pre-built clients.
// Used for testing with mocked interfaces.
func NewProviderFromClients(ec2api EC2API, waiter InstanceWaiter, region string, opts ...Option) *Provider {
	p := &Provider{
		ec2:           ec2api,
		waiter:        waiter,
		region:        region,
		launchTimeout: defaultLaunchTimeout,
		sessions:      make(map[string]*session),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Launch starts a fresh instance for the spec's release and waits until
// it accepts commands. On partial failure the returned environment
// still names the instance so Destroy can terminate it.
func (p *Provider) Launch(ctx context.Context, spec backend.Spec) (*backend.Environment, error) {
	if spec.MachineType != backend.MachineEC2 {
		return nil, fmt.Errorf("ec2 provider cannot launch machine type %q", spec.MachineType)
	}

	sgID, err := p.ensureSecurityGroup(ctx)
	if err != nil {
		return nil, &backend.ProvisionError{Release: spec.Release, MachineType: spec.MachineType, Cause: err}
	}

	amiID := spec.BaseImage
	if amiID == "" {
		amiID, err = p.lookupAMI(ctx, spec.Release)
		if err != nil {
			return nil, &backend.ProvisionError{Release: spec.Release, MachineType: spec.MachineType, Cause: err}
		}
	}

	env := &backend.Environment{
		Name:        backend.NewEnvironmentName("crucible-"),
		Release:     spec.Release,
		MachineType: spec.MachineType,
	}

	out, err := p.ec2.RunInstances(ctx, &awssdkec2.RunInstancesInput{
		ImageId:          aws.String(amiID),
		InstanceType:     instanceType,
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		SecurityGroupIds: []string{sgID},
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags: []ec2types.Tag{
					{Key: aws.String(managedTagKey), Value: aws.String(managedTagValue)},
					{Key: aws.String(envTagKey), Value: aws.String(env.Name)},
					{Key: aws.String(createdTagKey), Value: aws.String(time.Now().UTC().Format(time.RFC3339))},
					{Key: aws.String("Name"), Value: aws.String(env.Name)},
				},
			},
		},
	})
	if err != nil {
		return nil, &backend.ProvisionError{Release: spec.Release, MachineType: spec.MachineType, Cause: err}
	}
	if len(out.Instances) == 0 {
		return nil, &backend.ProvisionError{
			Release:     spec.Release,
			MachineType: spec.MachineType,
			Cause:       fmt.Errorf("RunInstances returned no instances"),
		}
	}

	instanceID := aws.ToString(out.Instances[0].InstanceId)
	p.register(env.Name, &session{instanceID: instanceID})
	slog.Debug("launched instance", "env", env.Name, "instance_id", instanceID)

	launchCtx, cancel := context.WithTimeout(ctx, p.launchTimeout)
	defer cancel()

	if err := p.waiter.Wait(launchCtx, &awssdkec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	}, p.launchTimeout); err != nil {
		return env, &backend.ProvisionError{
			Release:     spec.Release,
			MachineType: spec.MachineType,
			Cause:       fmt.Errorf("waiting for instance %s: %w", instanceID, err),
		}
	}

	publicIP, az, err := p.describeAddress(launchCtx, instanceID)
	if err != nil {
		return env, &backend.ProvisionError{Release: spec.Release, MachineType: spec.MachineType, Cause: err}
	}

	conn, err := p.dial(launchCtx, instanceID, publicIP, az)
	if err != nil {
		return env, &backend.ProvisionError{
			Release:     spec.Release,
			MachineType: spec.MachineType,
			Cause:       fmt.Errorf("connecting to instance %s: %w", instanceID, err),
		}
	}

	if err := p.waitForBoot(launchCtx, conn); err != nil {
		conn.close() //nolint:errcheck // connection is abandoned either way
		return env, &backend.ProvisionError{Release: spec.Release, MachineType: spec.MachineType, Cause: err}
	}

	p.register(env.Name, &session{instanceID: instanceID, conn: conn})
	slog.Debug("environment ready", "env", env.Name, "instance_id", instanceID, "ip", publicIP)
	return env, nil
}

// Exec runs a command in the environment. Timeouts are enforced on the
// remote side so the SSH channel always terminates; the distinguished
// exit status maps to a timed-out result rather than an error.
func (p *Provider) Exec(ctx context.Context, env *backend.Environment, opts backend.ExecOpts) (backend.ExecResult, error) {
	sess, err := p.lookup(env)
	if err != nil {
		return backend.ExecResult{}, err
	}
	if sess.conn == nil {
		return backend.ExecResult{}, fmt.Errorf("environment %s has no connection", env.Name)
	}

	res, err := sess.conn.exec(ctx, wrapCommand(opts))
	if err != nil {
		return res, err
	}
	if opts.Timeout > 0 && res.ExitCode == backend.TimeoutExitCode {
		res.TimedOut = true
	}
	return res, nil
}

// PushFile streams a local file into the environment over SSH.
func (p *Provider) PushFile(ctx context.Context, env *backend.Environment, localPath, remotePath string) error {
	sess, err := p.lookup(env)
	if err != nil {
		return err
	}
	if sess.conn == nil {
		return fmt.Errorf("environment %s has no connection", env.Name)
	}
	if err := sess.conn.push(ctx, localPath, remotePath); err != nil {
		return &backend.TransferError{LocalPath: localPath, RemotePath: remotePath, Cause: err}
	}
	return nil
}

// Destroy terminates the environment's instance. Unknown or already
// terminated environments are not errors.
func (p *Provider) Destroy(ctx context.Context, env *backend.Environment) error {
	if env == nil {
		return nil
	}

	p.mu.Lock()
	sess, ok := p.sessions[env.Name]
	delete(p.sessions, env.Name)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	if sess.conn != nil {
		sess.conn.close() //nolint:errcheck // instance is terminating
	}

	_, err := p.ec2.TerminateInstances(ctx, &awssdkec2.TerminateInstancesInput{
		InstanceIds: []string{sess.instanceID},
	})
	if err != nil {
		if strings.Contains(err.Error(), "InvalidInstanceID.NotFound") {
			return nil
		}
		return fmt.Errorf("terminating instance %s: %w", sess.instanceID, err)
	}
	slog.Debug("terminated instance", "env", env.Name, "instance_id", sess.instanceID)
	return nil
}

// ensureSecurityGroup creates the crucible security group once per
// provider lifetime. Idempotent across runs via the fixed group name.
func (p *Provider) ensureSecurityGroup(ctx context.Context) (string, error) {
	p.sgOnce.Do(func() {
		desc, err := p.ec2.DescribeSecurityGroups(ctx, &awssdkec2.DescribeSecurityGroupsInput{
			Filters: []ec2types.Filter{
				{Name: aws.String("group-name"), Values: []string{securityGroupName}},
			},
		})
		if err != nil {
			p.sgErr = fmt.Errorf("describing security groups: %w", err)
			return
		}
		if len(desc.SecurityGroups) > 0 {
			p.sgID = aws.ToString(desc.SecurityGroups[0].GroupId)
			slog.Debug("security group already exists", "sg_id", p.sgID)
			return
		}

		create, err := p.ec2.CreateSecurityGroup(ctx, &awssdkec2.CreateSecurityGroupInput{
			GroupName:   aws.String(securityGroupName),
			Description: aws.String(securityGroupDesc),
			TagSpecifications: []ec2types.TagSpecification{
				{
					ResourceType: ec2types.ResourceTypeSecurityGroup,
					Tags: []ec2types.Tag{
						{Key: aws.String(managedTagKey), Value: aws.String(managedTagValue)},
					},
				},
			},
		})
		if err != nil {
			p.sgErr = fmt.Errorf("creating security group: %w", err)
			return
		}
		p.sgID = aws.ToString(create.GroupId)

		_, err = p.ec2.AuthorizeSecurityGroupIngress(ctx, &awssdkec2.AuthorizeSecurityGroupIngressInput{
			GroupId: aws.String(p.sgID),
			IpPermissions: []ec2types.IpPermission{
				{
					IpProtocol: aws.String("tcp"),
					FromPort:   aws.Int32(22),
					ToPort:     aws.Int32(22),
					IpRanges:   []ec2types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
				},
			},
		})
		if err != nil {
			p.sgErr = fmt.Errorf("authorizing security group ingress: %w", err)
			return
		}
		slog.Debug("created security group", "sg_id", p.sgID)
	})
	return p.sgID, p.sgErr
}

// lookupAMI finds the latest Canonical arm64 AMI for a release.
func (p *Provider) lookupAMI(ctx context.Context, release string) (string, error) {
	pattern := fmt.Sprintf("ubuntu/images/hvm-ssd*/ubuntu-%s-*-arm64-server-*", release)
	out, err := p.ec2.DescribeImages(ctx, &awssdkec2.DescribeImagesInput{
		Owners: []string{canonicalOwnerID},
		Filters: []ec2types.Filter{
			{Name: aws.String("name"), Values: []string{pattern}},
			{Name: aws.String("architecture"), Values: []string{"arm64"}},
			{Name: aws.String("state"), Values: []string{"available"}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("looking up %s AMI: %w", release, err)
	}
	if len(out.Images) == 0 {
		return "", fmt.Errorf("no %s arm64 AMI found in %s", release, p.region)
	}

	latest := out.Images[0]
	for _, img := range out.Images[1:] {
		if aws.ToString(img.CreationDate) > aws.ToString(latest.CreationDate) {
			latest = img
		}
	}
	amiID := aws.ToString(latest.ImageId)
	slog.Debug("found AMI", "release", release, "ami_id", amiID, "name", aws.ToString(latest.Name))
	return amiID, nil
}

func (p *Provider) describeAddress(ctx context.Context, instanceID string) (publicIP, az string, err error) {
	out, err := p.ec2.DescribeInstances(ctx, &awssdkec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return "", "", fmt.Errorf("describing instance %s: %w", instanceID, err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			ip := aws.ToString(inst.PublicIpAddress)
			if ip == "" {
				return "", "", fmt.Errorf("instance %s has no public IP", instanceID)
			}
			if inst.Placement != nil {
				az = aws.ToString(inst.Placement.AvailabilityZone)
			}
			return ip, az, nil
		}
	}
	return "", "", fmt.Errorf("instance %s not found", instanceID)
}

// waitForBoot polls until the system reaches a multi-user runlevel.
func (p *Provider) waitForBoot(ctx context.Context, conn remote) error {
	for {
		res, err := conn.exec(ctx, "runlevel")
		if err == nil && res.ExitCode == 0 {
			fields := strings.Fields(res.Stdout)
			if len(fields) == 2 {
				switch fields[1] {
				case "2", "3", "5":
					return nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("instance never finished booting: %w", ctx.Err())
		case <-time.After(bootPollInterval):
		}
	}
}

func (p *Provider) register(name string, sess *session) {
	p.mu.Lock()
	p.sessions[name] = sess
	p.mu.Unlock()
}

func (p *Provider) lookup(env *backend.Environment) (*session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[env.Name]
	if !ok {
		return nil, fmt.Errorf("unknown environment %s", env.Name)
	}
	return sess, nil
}

// wrapCommand builds the remote shell invocation: privilege handling
// plus remote-side timeout enforcement.
func wrapCommand(opts backend.ExecOpts) string {
	cmd := opts.Command
	if opts.Timeout > 0 {
		cmd = fmt.Sprintf("timeout -k 5 %d sh -c %s", int(opts.Timeout.Seconds()), shellQuote(cmd))
	} else {
		cmd = fmt.Sprintf("sh -c %s", shellQuote(cmd))
	}
	if opts.User != "non-root" {
		cmd = "sudo -- " + cmd
	}
	return cmd
}

// shellQuote single-quotes a string for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
