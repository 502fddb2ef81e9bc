package ec2

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2instanceconnect"
	gossh "golang.org/x/crypto/ssh"

	"github.com/marian925/crucible/internal/backend"
)

const (
	sshUser           = "ubuntu"
	keepAliveInterval = 30 * time.Second
	connectTimeout    = 10 * time.Second
	dialMaxRetries    = 12
	dialRetryDelay    = 5 * time.Second
)

// InstanceConnectAPI is the subset of the EC2 Instance Connect client we use.
type InstanceConnectAPI interface {
	SendSSHPublicKey(ctx context.Context, params *ec2instanceconnect.SendSSHPublicKeyInput, optFns ...func(*ec2instanceconnect.Options)) (*ec2instanceconnect.SendSSHPublicKeyOutput, error)
}

// connector dials instances with ephemeral Ed25519 keys pushed through
// EC2 Instance Connect. The pushed key is only valid for 60 seconds, so
// the key is regenerated when dial retries outlive the window.
type connector struct {
	ic InstanceConnectAPI
}

func newConnector(ic InstanceConnectAPI) *connector {
	return &connector{ic: ic}
}

func (c *connector) dial(ctx context.Context, instanceID, publicIP, az string) (remote, error) {
	signer, err := c.pushFreshKey(ctx, instanceID, az)
	if err != nil {
		return nil, err
	}

	var client *gossh.Client
	for attempt := 0; attempt < dialMaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		client, err = dialSSH(publicIP, signer)
		if err == nil {
			break
		}

		slog.Debug("SSH connect attempt failed, retrying",
			"instance_id", instanceID,
			"attempt", attempt+1,
			"error", err,
		)

		// Key expires after 60s; push a fresh one every few attempts.
		if attempt > 0 && attempt%3 == 0 {
			signer, err = c.pushFreshKey(ctx, instanceID, az)
			if err != nil {
				return nil, err
			}
		}

		timer := time.NewTimer(dialRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err != nil {
		return nil, fmt.Errorf("SSH connection failed after %d attempts: %w", dialMaxRetries, err)
	}

	go keepAlive(client, keepAliveInterval)
	return &sshRemote{client: client}, nil
}

func (c *connector) pushFreshKey(ctx context.Context, instanceID, az string) (gossh.Signer, error) {
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	pubKey, err := gossh.NewPublicKey(privKey.Public())
	if err != nil {
		return nil, fmt.Errorf("deriving public key: %w", err)
	}

	_, err = c.ic.SendSSHPublicKey(ctx, &ec2instanceconnect.SendSSHPublicKeyInput{
		InstanceId:       aws.String(instanceID),
		InstanceOSUser:   aws.String(sshUser),
		SSHPublicKey:     aws.String(string(gossh.MarshalAuthorizedKey(pubKey))),
		AvailabilityZone: aws.String(az),
	})
	if err != nil {
		return nil, fmt.Errorf("pushing SSH public key via EC2 Instance Connect: %w", err)
	}

	signer, err := gossh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("creating SSH signer: %w", err)
	}
	slog.Debug("pushed ephemeral SSH key", "instance_id", instanceID)
	return signer, nil
}

func dialSSH(host string, signer gossh.Signer) (*gossh.Client, error) {
	config := &gossh.ClientConfig{
		User: sshUser,
		Auth: []gossh.AuthMethod{
			gossh.PublicKeys(signer),
		},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(), //nolint:gosec // ephemeral instances, no TOFU
		Timeout:         connectTimeout,
	}
	return gossh.Dial("tcp", net.JoinHostPort(host, "22"), config)
}

// keepAlive sends periodic keep-alive requests until the connection closes.
func keepAlive(client *gossh.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		_, _, err := client.SendRequest("keepalive@crucible", true, nil)
		if err != nil {
			return
		}
	}
}

// sshRemote runs commands over one SSH connection. Sessions are cheap;
// one is opened per command so concurrent steps cannot interleave.
type sshRemote struct {
	mu     sync.Mutex
	client *gossh.Client
}

func (r *sshRemote) exec(ctx context.Context, command string) (backend.ExecResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, err := r.client.NewSession()
	if err != nil {
		return backend.ExecResult{}, fmt.Errorf("opening SSH session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		sess.Signal(gossh.SIGKILL) //nolint:errcheck // session is abandoned
		return backend.ExecResult{}, ctx.Err()
	case err = <-done:
	}

	res := backend.ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *gossh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, fmt.Errorf("running remote command: %w", err)
	}
	return res, nil
}

func (r *sshRemote) push(ctx context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, err := r.client.NewSession()
	if err != nil {
		return fmt.Errorf("opening SSH session: %w", err)
	}
	defer sess.Close()

	sess.Stdin = bytes.NewReader(data)
	cmd := fmt.Sprintf("sudo sh -c %s", shellQuote("cat > "+remotePath))

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		sess.Signal(gossh.SIGKILL) //nolint:errcheck // session is abandoned
		return ctx.Err()
	case err = <-done:
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", remotePath, err)
	}
	return nil
}

func (r *sshRemote) close() error {
	return r.client.Close()
}
