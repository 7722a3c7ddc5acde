package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// gitTimeout bounds every outbound repository operation.
const gitTimeout = 30 * time.Second

// ReadFileAtRef reads a file's contents from a bare git repo at a given ref
// via `git show`. Returns (nil, false) when the file does not exist at the
// ref.
func ReadFileAtRef(ctx context.Context, repoPath, gitRef, filePath string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "show", fmt.Sprintf("%s:%s", gitRef, filePath))
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, false
	}
	return stdout.Bytes(), true
}

// RefSHA resolves a ref (branch, tag, or full ref path) to a commit SHA.
func RefSHA(ctx context.Context, repoPath, gitRef string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "rev-parse", gitRef)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", false
	}
	return strings.TrimSpace(stdout.String()), true
}

// BranchFromRef strips the refs/heads/ or refs/tags/ prefix.
func BranchFromRef(gitRef string) string {
	if b, ok := strings.CutPrefix(gitRef, "refs/heads/"); ok {
		return b
	}
	if b, ok := strings.CutPrefix(gitRef, "refs/tags/"); ok {
		return b
	}
	return gitRef
}
