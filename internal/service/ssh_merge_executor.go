package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haatos/merge-train/internal"
	"github.com/haatos/merge-train/internal/store"
	"golang.org/x/crypto/ssh"
)

const defaultRemote = "origin"

type ProjectResolver func(projectID int64) (internal.ProjectConfiguration, bool)

// CommandRunner runs a shell command on the git host and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, command string) (string, error)
}

// CommandError is a command that ran and exited non-zero.
type CommandError struct {
	Command    string
	ExitStatus int
	Stderr     string
}

func (e CommandError) Error() string {
	return fmt.Sprintf("command '%s' exited with %d: %s", e.Command, e.ExitStatus, e.Stderr)
}

// SSHRunner runs commands over a single shared SSH connection, dialing
// again if the connection was lost.
type SSHRunner struct {
	host       string
	username   string
	privateKey []byte
	timeout    time.Duration

	client *ssh.Client
	mu     sync.Mutex
}

func NewSSHRunner(host, username string, privateKey []byte, timeout time.Duration) *SSHRunner {
	if !strings.Contains(host, ":") {
		host += ":22"
	}
	return &SSHRunner{
		host:       host,
		username:   username,
		privateKey: privateKey,
		timeout:    timeout,
	}
}

func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

func (r *SSHRunner) Run(ctx context.Context, command string) (string, error) {
	client, err := r.connect()
	if err != nil {
		return "", err
	}
	sess, err := client.NewSession()
	if err != nil {
		// the connection is unusable, dial again next time
		_ = r.Close()
		return "", fmt.Errorf("err creating new session: %+w", err)
	}
	defer sess.Close()

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	sess.Stdout = stdout
	sess.Stderr = stderr

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- sess.Run(command)
	}()

	select {
	case <-ctx.Done():
		if err := sess.Signal(ssh.SIGINT); err != nil {
			return "", fmt.Errorf("command '%s' cancelled, err sending SIGINT: %+w", command, err)
		}
		return "", fmt.Errorf("command '%s' cancelled: %w", command, ctx.Err())
	case err := <-doneCh:
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), CommandError{
				Command:    command,
				ExitStatus: exitErr.ExitStatus(),
				Stderr:     strings.TrimSpace(stderr.String()),
			}
		}
		if err != nil {
			return "", err
		}
		return stdout.String(), nil
	}
}

func (r *SSHRunner) connect() (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}

	signer, err := ssh.ParsePrivateKey(r.privateKey)
	if err != nil {
		return nil, fmt.Errorf("err parsing ssh private key: %+w", err)
	}
	cc := &ssh.ClientConfig{
		User:            r.username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.timeout,
	}
	client, err := ssh.Dial("tcp", r.host, cc)
	if err != nil {
		return nil, fmt.Errorf("err dialing ssh %s: %+w", r.host, err)
	}
	r.client = client
	return client, nil
}

// SSHMergeExecutor does the git work of the train in a per-project clone on
// the git host. Commands touching one clone are serialized.
type SSHMergeExecutor struct {
	runner   CommandRunner
	projects ProjectResolver
	clones   *KeyedMutex
}

func NewSSHMergeExecutor(runner CommandRunner, projects ProjectResolver) *SSHMergeExecutor {
	return &SSHMergeExecutor{
		runner:   runner,
		projects: projects,
		clones:   NewKeyedMutex(),
	}
}

func (ex *SSHMergeExecutor) ComposeRef(
	ctx context.Context,
	e *store.Entrant,
	base ComposeBase,
	ref string,
) (string, error) {
	var sha string
	err := ex.inClone(ctx, e.TargetProjectID, func(pc internal.ProjectConfiguration, git gitFunc) error {
		if err := ex.fetch(ctx, pc, git, e); err != nil {
			return err
		}
		baseRev := trackingRef(e.TargetBranch)
		switch {
		case base.Ref != "":
			baseRev = base.Ref
		case base.SHA != "":
			baseRev = base.SHA
		}
		if _, err := git(ctx, "checkout", "--detach", "--force", baseRev); err != nil {
			return err
		}
		if err := ex.merge(ctx, git, e); err != nil {
			return err
		}
		if _, err := git(ctx, "push", "--force", defaultRemote, "HEAD:"+ref); err != nil {
			return err
		}
		out, err := git(ctx, "rev-parse", "HEAD")
		sha = strings.TrimSpace(out)
		return err
	})
	return sha, err
}

func (ex *SSHMergeExecutor) CreateMergeCommit(ctx context.Context, e *store.Entrant) (string, error) {
	var sha string
	err := ex.inClone(ctx, e.TargetProjectID, func(pc internal.ProjectConfiguration, git gitFunc) error {
		if err := ex.fetch(ctx, pc, git, e); err != nil {
			return err
		}
		if _, err := git(ctx, "checkout", "--detach", "--force", trackingRef(e.TargetBranch)); err != nil {
			return err
		}
		if err := ex.merge(ctx, git, e); err != nil {
			return err
		}
		out, err := git(ctx, "rev-parse", "HEAD")
		sha = strings.TrimSpace(out)
		return err
	})
	return sha, err
}

// AdvanceBranch pushes sha to the target branch. The push is not forced so
// it fails if the branch moved since the merge commit was created.
func (ex *SSHMergeExecutor) AdvanceBranch(ctx context.Context, e *store.Entrant, sha string) error {
	return ex.inClone(ctx, e.TargetProjectID, func(_ internal.ProjectConfiguration, git gitFunc) error {
		_, err := git(ctx, "push", defaultRemote, sha+":refs/heads/"+e.TargetBranch)
		return err
	})
}

func (ex *SSHMergeExecutor) IsMerged(ctx context.Context, e *store.Entrant, sha string) (bool, error) {
	merged := false
	err := ex.inClone(ctx, e.TargetProjectID, func(_ internal.ProjectConfiguration, git gitFunc) error {
		if _, err := git(
			ctx, "fetch", defaultRemote,
			fmt.Sprintf("+refs/heads/%s:%s", e.TargetBranch, trackingRef(e.TargetBranch)),
		); err != nil {
			return err
		}
		_, err := git(ctx, "merge-base", "--is-ancestor", sha, trackingRef(e.TargetBranch))
		var cmdErr CommandError
		if errors.As(err, &cmdErr) && cmdErr.ExitStatus == 1 {
			return nil
		}
		if err != nil {
			return err
		}
		merged = true
		return nil
	})
	return merged, err
}

func (ex *SSHMergeExecutor) DeleteRef(ctx context.Context, projectID int64, ref string) error {
	return ex.inClone(ctx, projectID, func(_ internal.ProjectConfiguration, git gitFunc) error {
		_, err := git(ctx, "ls-remote", "--exit-code", defaultRemote, ref)
		var cmdErr CommandError
		if errors.As(err, &cmdErr) && cmdErr.ExitStatus == 2 {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = git(ctx, "push", defaultRemote, "--delete", ref)
		return err
	})
}

type gitFunc func(ctx context.Context, args ...string) (string, error)

// inClone locks the clone of a project, cloning it first if needed, and
// runs fn with a git command bound to it.
func (ex *SSHMergeExecutor) inClone(
	ctx context.Context,
	projectID int64,
	fn func(pc internal.ProjectConfiguration, git gitFunc) error,
) error {
	pc, ok := ex.projects(projectID)
	if !ok {
		return fmt.Errorf("project %d is not configured", projectID)
	}
	unlock, err := ex.clones.Lock(ctx, store.TrainKey{ProjectID: projectID})
	if err != nil {
		return err
	}
	defer unlock()

	clone := fmt.Sprintf(
		"mkdir -p %s && cd %s && (test -d %s || git clone %s %s)",
		shellQuote(pc.Workspace),
		shellQuote(pc.Workspace),
		shellQuote(pc.RepositoryDir()),
		shellQuote(pc.Repository),
		shellQuote(pc.RepositoryDir()),
	)
	if _, err := ex.runner.Run(ctx, clone); err != nil {
		return err
	}

	repoDir := pc.Workspace + "/" + pc.RepositoryDir()
	return fn(pc, func(ctx context.Context, args ...string) (string, error) {
		quoted := make([]string, len(args))
		for i, a := range args {
			quoted[i] = shellQuote(a)
		}
		return ex.runner.Run(ctx, fmt.Sprintf(
			"cd %s && git %s", shellQuote(repoDir), strings.Join(quoted, " "),
		))
	})
}

func (ex *SSHMergeExecutor) fetch(
	ctx context.Context,
	pc internal.ProjectConfiguration,
	git gitFunc,
	e *store.Entrant,
) error {
	_, err := git(
		ctx, "fetch", "--prune", defaultRemote,
		fmt.Sprintf("+refs/heads/%s:%s", e.TargetBranch, trackingRef(e.TargetBranch)),
		"+"+internal.StagingRefPrefix+"*:"+internal.StagingRefPrefix+"*",
		"+"+pc.SourceRef(e.MergeRequestID)+":"+sourceRef(e.MergeRequestID),
	)
	return err
}

func (ex *SSHMergeExecutor) merge(ctx context.Context, git gitFunc, e *store.Entrant) error {
	_, err := git(
		ctx, "merge", "--no-ff", "--no-edit",
		"-m", fmt.Sprintf("Merge request %d into %s", e.MergeRequestID, e.TargetBranch),
		sourceRef(e.MergeRequestID),
	)
	if err != nil {
		if _, abortErr := git(ctx, "merge", "--abort"); abortErr != nil {
			return errors.Join(err, abortErr)
		}
	}
	return err
}

func trackingRef(branch string) string {
	return "refs/remotes/" + defaultRemote + "/" + branch
}

func sourceRef(mergeRequestID int64) string {
	return fmt.Sprintf("refs/merge-train-sources/%d", mergeRequestID)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
