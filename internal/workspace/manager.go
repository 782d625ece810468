package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/loomerr"
	"github.com/loomctl/loom/pkg/types"
)

// CloneCredentials is the SSH material to use for a git clone, if the
// repository requires one. Nil means clone over HTTPS with no auth
// material installed.
type CloneCredentials struct {
	PrivateKeyPEM []byte
	PublicKeyLine []byte
	PinnedHosts   []PinnedHostKey
}

// Provisioner creates and tears down workspaces for orchestration
// executions. Every path it hands out under isolated mode lives below
// a single `orchestration_isolated_<execution_id>` parent directory
// directly under TempRoot — the sole admission criterion the temp
// workspace HTTP endpoints check against.
type Provisioner struct {
	tempRoot string
	logger   *logger.Logger

	mu         sync.Mutex
	repoLocks  map[string]*sync.Mutex
}

// NewProvisioner creates a Provisioner rooted at tempRoot.
func NewProvisioner(tempRoot string, log *logger.Logger) *Provisioner {
	return &Provisioner{
		tempRoot:  tempRoot,
		logger:    log.WithFields(zap.String("component", "workspace-provisioner")),
		repoLocks: make(map[string]*sync.Mutex),
	}
}

// TempRoot returns the directory every workspace is provisioned
// under, the prefix the temp-workspace browse/read endpoints check
// a requested path resolves under.
func (p *Provisioner) TempRoot() string { return p.tempRoot }

func (p *Provisioner) repoLock(key string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lock, ok := p.repoLocks[key]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	p.repoLocks[key] = lock
	return lock
}

// ProvisionShared creates one shallow clone shared by every agent in
// the execution.
func (p *Provisioner) ProvisionShared(ctx context.Context, gitRepo, branch, executionID string, creds *CloneCredentials) (*Result, error) {
	dir := filepath.Join(p.tempRoot, "orchestration_shared_"+executionID)

	if gitRepo != "" {
		if err := p.shallowClone(ctx, gitRepo, branch, dir, creds); err != nil {
			return nil, loomerr.Wrap(loomerr.KindWorkspaceProvision, "shared clone failed", err)
		}
	} else if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, loomerr.Wrap(loomerr.KindWorkspaceProvision, "failed to create shared workspace", err)
	}

	ws := &types.Workspace{
		Path:        dir,
		Kind:        types.WorkspaceShared,
		GitRepo:     gitRepo,
		Branch:      branch,
		ExecutionID: executionID,
	}

	return &Result{
		Shared:    ws,
		ParentDir: dir,
		Cleanup:   func() error { return p.removeIdempotent(dir) },
	}, nil
}

// ProvisionIsolated creates one parent temp dir named
// `orchestration_isolated_<executionID>` under TempRoot, then one
// shallow clone per agent inside it, keyed by the agent's sanitized
// name. The design validator rejects only exact duplicate agent
// names; names that differ but sanitize to the same path component
// are rejected here with KindValidation, after the directories
// created so far are removed.
func (p *Provisioner) ProvisionIsolated(ctx context.Context, gitRepo, branch, executionID string, agentNames []string, creds *CloneCredentials) (*Result, error) {
	parentDir := filepath.Join(p.tempRoot, IsolatedPrefix+executionID)
	if err := os.MkdirAll(parentDir, 0755); err != nil {
		return nil, loomerr.Wrap(loomerr.KindWorkspaceProvision, "failed to create isolated parent directory", err)
	}

	cleanup := func() error { return p.removeIdempotent(parentDir) }

	isolated := make(map[string]*types.Workspace, len(agentNames))
	taken := make(map[string]bool, len(agentNames))
	for _, name := range agentNames {
		sub := SanitizeAgentName(name)
		if sub == "" {
			_ = cleanup()
			return nil, loomerr.New(loomerr.KindValidation, "agent name sanitizes to empty path component: "+name)
		}
		if taken[sub] {
			_ = cleanup()
			return nil, loomerr.New(loomerr.KindValidation, "sanitized agent name collision: "+sub)
		}
		taken[sub] = true

		agentDir := filepath.Join(parentDir, sub)
		if gitRepo != "" {
			if err := p.shallowClone(ctx, gitRepo, branch, agentDir, creds); err != nil {
				_ = cleanup()
				return nil, loomerr.Wrap(loomerr.KindWorkspaceProvision, "isolated clone failed for agent "+name, err)
			}
		} else if err := os.MkdirAll(agentDir, 0755); err != nil {
			_ = cleanup()
			return nil, loomerr.Wrap(loomerr.KindWorkspaceProvision, "failed to create isolated workspace for agent "+name, err)
		}

		isolated[name] = &types.Workspace{
			Path:        agentDir,
			Kind:        types.WorkspaceIsolated,
			GitRepo:     gitRepo,
			Branch:      branch,
			ExecutionID: executionID,
			AgentName:   name,
		}
	}

	return &Result{Isolated: isolated, ParentDir: parentDir, Cleanup: cleanup}, nil
}

func (p *Provisioner) shallowClone(ctx context.Context, gitRepo, branch, dest string, creds *CloneCredentials) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, gitRepo, dest)

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = os.Environ()

	if creds != nil && len(creds.PrivateKeyPEM) > 0 {
		keyDir := dest + ".ssh"
		material, err := MaterializeSSHKey(keyDir, creds.PrivateKeyPEM, creds.PublicKeyLine, creds.PinnedHosts)
		if err != nil {
			return err
		}
		defer os.RemoveAll(keyDir)
		cmd.Env = append(cmd.Env, material.Env()...)
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone failed: %s: %w", strings.TrimSpace(string(output)), err)
	}
	return nil
}

// removeIdempotent removes dir, treating an already-missing directory
// as success so a retried or doubly-invoked cleanup never fails the
// request.
func (p *Provisioner) removeIdempotent(dir string) error {
	if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove workspace directory: %w", err)
	}
	return nil
}

// Reconcile scans TempRoot and removes any
// orchestration_isolated_*/orchestration_shared_* directory whose
// execution ID is not in activeExecutionIDs — workspaces orphaned by a
// crash between provisioning and cleanup.
func (p *Provisioner) Reconcile(activeExecutionIDs []string) error {
	active := make(map[string]bool, len(activeExecutionIDs))
	for _, id := range activeExecutionIDs {
		active[id] = true
	}

	entries, err := os.ReadDir(p.tempRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read temp root: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		var execID string
		switch {
		case strings.HasPrefix(name, IsolatedPrefix):
			execID = strings.TrimPrefix(name, IsolatedPrefix)
		case strings.HasPrefix(name, "orchestration_shared_"):
			execID = strings.TrimPrefix(name, "orchestration_shared_")
		default:
			continue
		}

		if active[execID] {
			continue
		}

		path := filepath.Join(p.tempRoot, name)
		p.logger.Info("cleaning up orphaned workspace", zap.String("path", path))
		if err := os.RemoveAll(path); err != nil {
			p.logger.Warn("failed to remove orphaned workspace", zap.String("path", path), zap.Error(err))
		}
	}

	return nil
}
