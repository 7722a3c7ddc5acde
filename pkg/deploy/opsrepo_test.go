package deploy

import "testing"

func TestResolveManifestPath(t *testing.T) {
	path, err := ResolveManifestPath("/data/ops", "myrepo", "/k8s", "deploy.yaml")
	if err != nil {
		t.Fatalf("resolving: %v", err)
	}
	if path != "/data/ops/myrepo/k8s/deploy.yaml" {
		t.Errorf("path = %q", path)
	}
}

func TestResolveManifestPathRootSubpath(t *testing.T) {
	path, err := ResolveManifestPath("/data/ops", "myrepo", "/", "deploy.yaml")
	if err != nil {
		t.Fatalf("resolving: %v", err)
	}
	if path != "/data/ops/myrepo/deploy.yaml" {
		t.Errorf("path = %q", path)
	}
}

func TestResolveManifestPathRejectsTraversal(t *testing.T) {
	if _, err := ResolveManifestPath("/data/ops", "myrepo", "/k8s", "../../etc/passwd"); err == nil {
		t.Fatal("traversal in manifest path must be rejected")
	}
	if _, err := ResolveManifestPath("/data/ops", "myrepo", "/../../etc", "passwd"); err == nil {
		t.Fatal("traversal in subpath must be rejected")
	}
}

func TestCheckRepoURL(t *testing.T) {
	if err := checkRepoURL("https://git.example.com/ops.git"); err != nil {
		t.Errorf("https URL rejected: %v", err)
	}
	if err := checkRepoURL("ssh://git@example.com/ops.git"); err == nil {
		t.Error("ssh scheme must be rejected")
	}
	if err := checkRepoURL("http://127.0.0.1/ops.git"); err == nil {
		t.Error("loopback address must be rejected")
	}
	if err := checkRepoURL("http://10.0.0.5/ops.git"); err == nil {
		t.Error("private address must be rejected")
	}
	if err := checkRepoURL("http://169.254.169.254/latest/meta-data"); err == nil {
		t.Error("link-local address must be rejected")
	}
}
