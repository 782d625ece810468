package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// PinnedHostKey is one entry of the operator-maintained list of SSH
// host keys the workspace provisioner trusts for git clone operations.
// Keys are never discovered on first use (no TOFU) — only pinned
// entries populate known_hosts.
type PinnedHostKey struct {
	Host      string
	PublicKey ssh.PublicKey
}

// SSHMaterial is the on-disk SSH material a shallow clone needs:
// a private key, its matching known_hosts file, and the GIT_SSH_COMMAND
// that wires them together.
type SSHMaterial struct {
	KeyPath        string
	KnownHostsPath string
}

// Env returns the environment entries that make `git clone` use this
// material instead of the user's own ~/.ssh.
func (m SSHMaterial) Env() []string {
	sshCmd := fmt.Sprintf(
		"ssh -i %s -o UserKnownHostsFile=%s -o StrictHostKeyChecking=yes -o IdentitiesOnly=yes",
		m.KeyPath, m.KnownHostsPath,
	)
	return []string{"GIT_SSH_COMMAND=" + sshCmd}
}

// MaterializeSSHKey writes privateKeyPEM (mode 0600) and, if
// publicKeyLine is non-empty, the matching public key (mode 0644)
// alongside it inside dir, then writes a known_hosts file built from
// pinned entries (mode 0644).
func MaterializeSSHKey(dir string, privateKeyPEM, publicKeyLine []byte, pinned []PinnedHostKey) (SSHMaterial, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return SSHMaterial{}, fmt.Errorf("failed to create ssh material directory: %w", err)
	}

	keyPath := filepath.Join(dir, "id_clone")
	if err := os.WriteFile(keyPath, privateKeyPEM, 0600); err != nil {
		return SSHMaterial{}, fmt.Errorf("failed to write private key: %w", err)
	}

	if len(publicKeyLine) > 0 {
		if err := os.WriteFile(keyPath+".pub", publicKeyLine, 0644); err != nil {
			return SSHMaterial{}, fmt.Errorf("failed to write public key: %w", err)
		}
	}

	knownHostsPath := filepath.Join(dir, "known_hosts")
	var lines []byte
	for _, entry := range pinned {
		line := knownhosts.Line([]string{entry.Host}, entry.PublicKey)
		lines = append(lines, []byte(line+"\n")...)
	}
	if err := os.WriteFile(knownHostsPath, lines, 0644); err != nil {
		return SSHMaterial{}, fmt.Errorf("failed to write known_hosts: %w", err)
	}

	return SSHMaterial{KeyPath: keyPath, KnownHostsPath: knownHostsPath}, nil
}
