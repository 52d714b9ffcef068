package executor

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/repro-env/repro-env/internal/cache"
	"github.com/repro-env/repro-env/internal/log"
	"github.com/repro-env/repro-env/internal/lockfile"
	"github.com/repro-env/repro-env/internal/manifest"
)

func gzipTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644}); err != nil {
			t.Fatalf("WriteHeader(%s): %v", name, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write(%s): %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip Close: %v", err)
	}
	return buf.Bytes()
}

func buildApk(t *testing.T, name, version string) []byte {
	t.Helper()
	sig := gzipTar(t, map[string]string{".SIGN.RSA.test.rsa.pub": "sig"})
	ctrl := gzipTar(t, map[string]string{".PKGINFO": "pkgname = " + name + "\npkgver = " + version + "\n"})
	data := gzipTar(t, map[string]string{"usr/bin/" + name: "binary"})

	var full bytes.Buffer
	full.Write(sig)
	full.Write(ctrl)
	full.Write(data)
	return full.Bytes()
}

func TestFilenameDerivesBasenameFromURL(t *testing.T) {
	p := lockfile.Package{Name: "curl", URL: "https://example.com/alpine/v3.18/main/x86_64/curl-8.0.1-r0.apk"}
	got, err := filename(p)
	if err != nil {
		t.Fatalf("filename: %v", err)
	}
	if got != "curl-8.0.1-r0.apk" {
		t.Errorf("filename = %q", got)
	}
}

func TestFilenameRejectsURLWithoutPath(t *testing.T) {
	p := lockfile.Package{Name: "curl", URL: "https://example.com"}
	if _, err := filename(p); err == nil {
		t.Fatal("expected error for url with no path component")
	}
}

func TestPrepareDownloadsStagesAndVerifies(t *testing.T) {
	pkgData := buildApk(t, "curl", "8.0.1-r0")
	sum := sha256.Sum256(pkgData)
	sha256Hash := hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pkgData)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(cacheDir, "pkgs"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	c := &cache.Cache{Dir: cacheDir, Client: http.DefaultClient, Logger: log.NewNoop()}

	lock := &lockfile.Lockfile{
		Container: lockfile.Container{Image: "alpine@sha256:" + sha256Hash},
		Packages: []lockfile.Package{
			{Name: "curl", Version: "8.0.1-r0", System: manifest.SystemAlpine, URL: srv.URL + "/curl-8.0.1-r0.apk", SHA256: sha256Hash},
		},
	}

	stageDir := t.TempDir()
	staged, err := prepare(context.Background(), c, stageDir, lock)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(staged) != 1 {
		t.Fatalf("expected 1 staged file, got %d", len(staged))
	}
	if staged[0].Filename != "curl-8.0.1-r0.apk" {
		t.Errorf("Filename = %q", staged[0].Filename)
	}

	got, err := os.ReadFile(filepath.Join(stageDir, staged[0].Filename))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, pkgData) {
		t.Error("staged file content does not match downloaded package")
	}
}

func TestPrepareSkipsAlreadyInstalledPackages(t *testing.T) {
	cacheDir := t.TempDir()
	c := &cache.Cache{Dir: cacheDir, Client: http.DefaultClient, Logger: log.NewNoop()}

	lock := &lockfile.Lockfile{
		Packages: []lockfile.Package{
			{Name: "curl", Version: "8.0.1-r0", System: manifest.SystemAlpine, URL: "https://example.com/curl.apk", SHA256: "deadbeef", Installed: true},
		},
	}

	staged, err := prepare(context.Background(), c, t.TempDir(), lock)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if staged != nil {
		t.Errorf("expected no staged packages, got %+v", staged)
	}
}

func TestVerifyRejectsNameMismatch(t *testing.T) {
	dir := t.TempDir()
	data := buildApk(t, "curl", "8.0.1-r0")
	if err := os.WriteFile(filepath.Join(dir, "curl.apk"), data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	staged := []Staged{{
		Package:  lockfile.Package{Name: "wget", Version: "8.0.1-r0", System: manifest.SystemAlpine},
		Filename: "curl.apk",
	}}

	if err := verify(dir, staged); err == nil {
		t.Fatal("expected error for name mismatch between staged file and lockfile record")
	}
}

func TestReflinkOrCopyFallsBackToByteCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	content := []byte("package bytes")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := reflinkOrCopy(src, dst); err != nil {
		t.Fatalf("reflinkOrCopy: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("dst content = %q, want %q", got, content)
	}
}
