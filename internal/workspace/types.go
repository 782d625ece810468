// Package workspace provisions the filesystem locations agent turns
// run inside: one shared shallow clone for a whole execution, or one
// isolated shallow clone per agent under a single admission-checked
// parent directory.
package workspace

import (
	"regexp"
	"strings"

	"github.com/loomctl/loom/pkg/types"
)

// IsolatedPrefix is the sole admission criterion for the temp-workspace
// browse/read HTTP endpoints: any resolvable isolated path starts with
// this prefix followed by an execution ID.
const IsolatedPrefix = "orchestration_isolated_"

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SanitizeAgentName converts an agent name into a safe subdirectory
// name: whitespace becomes underscores, everything else unsafe for a
// path component is stripped.
func SanitizeAgentName(name string) string {
	replaced := strings.Join(strings.Fields(name), "_")
	return unsafePathChars.ReplaceAllString(replaced, "")
}

// Result is what a provisioning call hands back to the caller: the
// workspace(s) it created, and a Cleanup func the caller must invoke
// on every exit path (success, failure, cancellation, panic).
type Result struct {
	Shared   *types.Workspace
	Isolated map[string]*types.Workspace // agent name -> workspace
	ParentDir string
	Cleanup  func() error
}
