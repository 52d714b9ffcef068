package archresolver

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/repro-env/repro-env/internal/container"
	"github.com/repro-env/repro-env/internal/log"
	"github.com/repro-env/repro-env/internal/resolver"
)

func buildSyncDB(t *testing.T, descs map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range descs {
		if err := tw.WriteHeader(&tar.Header{Name: name + "/desc", Size: int64(len(content)), Mode: 0o644}); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip Close: %v", err)
	}
	return buf.Bytes()
}

// wrapAsCpTar mimics `container cp <id>:<path> -`, which always emits a tar
// stream even for a single file.
func wrapAsCpTar(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := tw.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	return buf.Bytes()
}

func descEntry(name, version, filename, sha256, sig string) string {
	return fmt.Sprintf("%%NAME%%\n%s\n\n%%VERSION%%\n%s\n\n%%FILENAME%%\n%s\n\n%%SHA256SUM%%\n%s\n\n%%PGPSIG%%\n%s\n",
		name, version, filename, sha256, sig)
}

func fakeContainer(t *testing.T, script string) *container.Container {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake shell script driver requires a POSIX shell")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "podman")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	driver := container.New(bin, bin, log.NewNoop())

	c, err := driver.Create(context.Background(), "archlinux:base", container.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return c
}

func TestResolveBuildsPackageRecords(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "core.db")
	db := buildSyncDB(t, map[string]string{
		"a-pkg-1.0-1": descEntry("a-pkg", "1.0-1", "a-pkg-1.0-1-x86_64.pkg.tar.zst", strings.Repeat("a", 64), "c2lnbmF0dXJl"),
		"b-pkg-2.0-1": descEntry("b-pkg", "2.0-1", "b-pkg-2.0-1-x86_64.pkg.tar.zst", strings.Repeat("b", 64), "c2lnbmF0dXJl"),
	})
	if err := os.WriteFile(dbPath, wrapAsCpTar(t, "core.db", db), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	script := fmt.Sprintf(`
case "$*" in
  *"pacman -Sy"*) exit 0 ;;
  *"pacman -Sup"*) printf 'core a-pkg 1.0-1\ncore b-pkg 2.0-1\n' ;;
  *"container run"*) echo fakeid ;;
  *"sync/core.db"*) cat %q ;;
  *"container kill"*) exit 0 ;;
esac
`, dbPath)

	c := fakeContainer(t, script)
	pkgs, err := Resolve(context.Background(), c, []string{"a-pkg", "b-pkg"}, resolver.Env{Logger: log.NewNoop()})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(pkgs) != 2 {
		t.Fatalf("expected 2 packages, got %d", len(pkgs))
	}

	want := map[string]string{
		"a-pkg": "https://archive.archlinux.org/packages/a/a-pkg/a-pkg-1.0-1-x86_64.pkg.tar.zst",
		"b-pkg": "https://archive.archlinux.org/packages/b/b-pkg/b-pkg-2.0-1-x86_64.pkg.tar.zst",
	}
	for _, p := range pkgs {
		if p.System != "archlinux" {
			t.Errorf("package %s: system = %q", p.Name, p.System)
		}
		if p.URL != want[p.Name] {
			t.Errorf("package %s: url = %q, want %q", p.Name, p.URL, want[p.Name])
		}
		if p.Signature == "" {
			t.Errorf("package %s: missing signature", p.Name)
		}
	}
}

func TestResolveFailsWhenPackageMissingFromIndex(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "core.db")
	db := buildSyncDB(t, map[string]string{
		"a-pkg-1.0-1": descEntry("a-pkg", "1.0-1", "a-pkg-1.0-1-x86_64.pkg.tar.zst", strings.Repeat("a", 64), "c2ln"),
	})
	if err := os.WriteFile(dbPath, wrapAsCpTar(t, "core.db", db), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	script := fmt.Sprintf(`
case "$*" in
  *"pacman -Sy"*) exit 0 ;;
  *"pacman -Sup"*) printf 'core missing-pkg 1.0-1\n' ;;
  *"container run"*) echo fakeid ;;
  *"sync/core.db"*) cat %q ;;
  *"container kill"*) exit 0 ;;
esac
`, dbPath)

	c := fakeContainer(t, script)
	if _, err := Resolve(context.Background(), c, []string{"missing-pkg"}, resolver.Env{Logger: log.NewNoop()}); err == nil {
		t.Fatal("expected error for package missing from sync database")
	}
}

func TestParseDescParsesMultilineAndSingleLineFields(t *testing.T) {
	content := "%NAME%\nfoo\n\n%DEPENDS%\nglibc\nbash\n\n%FILENAME%\nfoo-1-x86_64.pkg.tar.zst\n"
	d := parseDesc([]byte(content))
	if d["NAME"] != "foo" {
		t.Errorf("NAME = %q", d["NAME"])
	}
	if d["DEPENDS"] != "glibc\nbash" {
		t.Errorf("DEPENDS = %q", d["DEPENDS"])
	}
	if d["FILENAME"] != "foo-1-x86_64.pkg.tar.zst" {
		t.Errorf("FILENAME = %q", d["FILENAME"])
	}
}
