package deploy

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/fernworks/loom/internal/db"
)

// OpsRepoRow represents a row from the ops_repos table.
type OpsRepoRow struct {
	ID            uuid.UUID
	Name          string
	RepoURL       string
	Branch        string
	Path          string
	SyncIntervalS int32
	CreatedAt     time.Time
}

// OpsRepoStore provides database operations for ops repos.
type OpsRepoStore struct {
	dbtx db.DBTX
}

// NewOpsRepoStore creates an ops repo store.
func NewOpsRepoStore(dbtx db.DBTX) *OpsRepoStore {
	return &OpsRepoStore{dbtx: dbtx}
}

const opsRepoColumns = `id, name, repo_url, branch, path, sync_interval_s, created_at`

func scanOpsRepo(row pgx.Row) (OpsRepoRow, error) {
	var o OpsRepoRow
	err := row.Scan(&o.ID, &o.Name, &o.RepoURL, &o.Branch, &o.Path, &o.SyncIntervalS, &o.CreatedAt)
	return o, err
}

// Get returns an ops repo by id.
func (s *OpsRepoStore) Get(ctx context.Context, id uuid.UUID) (OpsRepoRow, error) {
	return scanOpsRepo(s.dbtx.QueryRow(ctx, `SELECT `+opsRepoColumns+` FROM ops_repos WHERE id = $1`, id))
}

// List returns all ops repos ordered by name.
func (s *OpsRepoStore) List(ctx context.Context) ([]OpsRepoRow, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+opsRepoColumns+` FROM ops_repos ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing ops repos: %w", err)
	}
	defer rows.Close()

	var items []OpsRepoRow
	for rows.Next() {
		var o OpsRepoRow
		if err := rows.Scan(&o.ID, &o.Name, &o.RepoURL, &o.Branch, &o.Path, &o.SyncIntervalS, &o.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, o)
	}
	return items, rows.Err()
}

// Create inserts an ops repo.
func (s *OpsRepoStore) Create(ctx context.Context, name, repoURL, branch, path string, syncIntervalS int32) (OpsRepoRow, error) {
	return scanOpsRepo(s.dbtx.QueryRow(ctx, `
		INSERT INTO ops_repos (id, name, repo_url, branch, path, sync_interval_s)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+opsRepoColumns,
		uuid.New(), name, repoURL, branch, path, syncIntervalS))
}

// Delete removes an ops repo.
func (s *OpsRepoStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.dbtx.Exec(ctx, `DELETE FROM ops_repos WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// OpsRepoSyncer keeps local clones of ops repos fresh, caching each repo's
// HEAD SHA in Redis for its sync interval.
type OpsRepoSyncer struct {
	store    *OpsRepoStore
	rdb      *redis.Client
	reposDir string
}

// NewOpsRepoSyncer creates a syncer rooted at reposDir.
func NewOpsRepoSyncer(dbtx db.DBTX, rdb *redis.Client, reposDir string) *OpsRepoSyncer {
	return &OpsRepoSyncer{store: NewOpsRepoStore(dbtx), rdb: rdb, reposDir: reposDir}
}

// Sync clones the repo if missing or fetch-resets if present, returning the
// HEAD SHA. A cached SHA within the repo's sync interval short-circuits the
// git work.
func (s *OpsRepoSyncer) Sync(ctx context.Context, opsRepoID uuid.UUID) (string, error) {
	repo, err := s.store.Get(ctx, opsRepoID)
	if err != nil {
		return "", fmt.Errorf("loading ops repo %s: %w", opsRepoID, err)
	}

	cacheKey := fmt.Sprintf("ops_repo_sync:%s", opsRepoID)
	if sha, err := s.rdb.Get(ctx, cacheKey).Result(); err == nil && sha != "" {
		return sha, nil
	}

	if err := checkRepoURL(repo.RepoURL); err != nil {
		return "", fmt.Errorf("syncing ops repo: %w", err)
	}

	localPath := filepath.Join(s.reposDir, repo.Name)
	if _, err := os.Stat(localPath); err == nil {
		if err := gitRun(ctx, "-C", localPath, "fetch", "origin", repo.Branch); err != nil {
			return "", err
		}
		if err := gitRun(ctx, "-C", localPath, "reset", "--hard", "origin/"+repo.Branch); err != nil {
			return "", err
		}
	} else {
		if err := gitRun(ctx, "clone", "--depth", "1", "--branch", repo.Branch, repo.RepoURL, localPath); err != nil {
			return "", err
		}
	}

	sha, err := gitOutput(ctx, "-C", localPath, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	sha = strings.TrimSpace(sha)

	ttl := time.Duration(repo.SyncIntervalS) * time.Second
	_ = s.rdb.Set(ctx, cacheKey, sha, ttl).Err()
	return sha, nil
}

// ForceSync drops the interval cache and syncs immediately.
func (s *OpsRepoSyncer) ForceSync(ctx context.Context, opsRepoID uuid.UUID) (string, error) {
	_ = s.rdb.Del(ctx, fmt.Sprintf("ops_repo_sync:%s", opsRepoID)).Err()
	return s.Sync(ctx, opsRepoID)
}

// LocalPath returns the local clone directory for an ops repo name.
func (s *OpsRepoSyncer) LocalPath(name string) string {
	return filepath.Join(s.reposDir, name)
}

// ResolveManifestPath resolves the manifest file within an ops repo clone,
// guarding against path traversal.
func ResolveManifestPath(reposDir, opsRepoName, opsRepoSubpath, manifestPath string) (string, error) {
	if strings.Contains(manifestPath, "..") || strings.Contains(opsRepoSubpath, "..") {
		return "", fmt.Errorf("path traversal detected")
	}

	repoRoot := filepath.Join(reposDir, opsRepoName)
	full := filepath.Join(repoRoot, strings.Trim(opsRepoSubpath, "/"), manifestPath)

	if !strings.HasPrefix(full, repoRoot+string(filepath.Separator)) && full != repoRoot {
		return "", fmt.Errorf("path traversal detected")
	}
	return full, nil
}

// checkRepoURL rejects non-HTTP schemes and URLs resolving to loopback,
// private, or link-local addresses.
func checkRepoURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid repo URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("repo URL scheme %q not allowed", u.Scheme)
	}

	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil && blockedIP(ip) {
		return fmt.Errorf("repo URL host %q not allowed", host)
	}
	return nil
}

func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

const gitTimeout = 30 * time.Second

func gitRun(ctx context.Context, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String()))
	}
	return nil
}

func gitOutput(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
