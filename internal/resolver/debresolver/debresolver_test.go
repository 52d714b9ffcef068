package debresolver

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/pierrec/lz4/v4"

	"github.com/repro-env/repro-env/internal/cache"
	"github.com/repro-env/repro-env/internal/container"
	"github.com/repro-env/repro-env/internal/log"
	"github.com/repro-env/repro-env/internal/resolver"
)

func TestParseFieldsFoldsContinuationLines(t *testing.T) {
	block := "Package: zlib1g\nVersion: 1:1.2.11.dfsg-2\nDescription: compression library\n runtime files\nFilename: pool/main/z/zlib1g/zlib1g_1.2.11-2_amd64.deb\n"
	fields := parseFields(block)

	if fields["Package"] != "zlib1g" {
		t.Errorf("Package = %q", fields["Package"])
	}
	if fields["Description"] != "compression library\n runtime files" {
		t.Errorf("Description = %q", fields["Description"])
	}
}

func TestParseStanzasExtractsProvidesAndFilename(t *testing.T) {
	content := "Package: libfoo\nVersion: 1.0\nProvides: libfoo-abi (= 1), libfoo-dev\nFilename: pool/main/f/foo/libfoo_1.0_amd64.deb\nSHA256: " + strings.Repeat("a", 64) + "\n\n" +
		"Package: bar\nVersion: 2.0\nFilename: pool/main/b/bar/bar_2.0_amd64.deb\nSHA256: " + strings.Repeat("b", 64) + "\n"

	stanzas := parseStanzas([]byte(content))
	if len(stanzas) != 2 {
		t.Fatalf("expected 2 stanzas, got %d", len(stanzas))
	}
	if stanzas[0].name != "libfoo" || stanzas[0].filename != "libfoo_1.0_amd64.deb" {
		t.Errorf("unexpected first stanza: %+v", stanzas[0])
	}
	if len(stanzas[0].provides) != 2 || stanzas[0].provides[0] != "libfoo-abi" {
		t.Errorf("provides = %v", stanzas[0].provides)
	}
}

func lz4Compress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("lz4 write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("lz4 close: %v", err)
	}
	return buf.Bytes()
}

func buildListsTar(t *testing.T, name string, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	compressed := lz4Compress(t, content)
	if err := tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(compressed)), Mode: 0o644}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := tw.Write(compressed); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	return buf.Bytes()
}

func TestResolveEndToEnd(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake shell script driver requires a POSIX shell")
	}

	pkgContent := []byte("fake debian package bytes")
	sum := sha256.Sum256(pkgContent)
	pkgSHA256 := hex.EncodeToString(sum[:])
	pkgSHA1 := sha1.Sum(pkgContent)
	pkgSHA1Hex := hex.EncodeToString(pkgSHA1[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "zlib1g_1.2.11-2_amd64.deb"):
			_, _ = w.Write(pkgContent)
		case r.URL.Path == "/mr/file/"+pkgSHA1Hex+"/info":
			fmt.Fprintf(w, `{"result":[{"archive_name":"debian","first_seen":"20230101T000000Z","path":"/pool/main/z/zlib1g","name":"zlib1g_1.2.11-2_amd64.deb"}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Host == "snapshot.debian.org" {
			rewritten := *req
			newURL := *req.URL
			srvURL, err := url.Parse(srv.URL)
			if err != nil {
				return nil, err
			}
			newURL.Scheme = srvURL.Scheme
			newURL.Host = srvURL.Host
			rewritten.URL = &newURL
			return http.DefaultTransport.RoundTrip(&rewritten)
		}
		return http.DefaultTransport.RoundTrip(req)
	})}

	cacheDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(cacheDir, "pkgs"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	c := &cache.Cache{Dir: cacheDir, Client: client, Logger: log.NewNoop()}

	packagesContent := "Package: zlib1g\nVersion: 1:1.2.11.dfsg-2\nFilename: pool/main/z/zlib1g/zlib1g_1.2.11-2_amd64.deb\nSHA256: " + pkgSHA256 + "\n"
	listsTar := buildListsTar(t, "deb.debian.org_debian_dists_bookworm_main_binary-amd64_Packages.lz4", []byte(packagesContent))

	listsPath := filepath.Join(t.TempDir(), "lists.tar")
	if err := os.WriteFile(listsPath, listsTar, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	printURIsLine := fmt.Sprintf("'%s/pool/main/z/zlib1g/zlib1g_1.2.11-2_amd64.deb' zlib1g_1.2.11-2_amd64.deb %d MD5Sum:deadbeef",
		srv.URL, len(pkgContent))

	script := fmt.Sprintf(`
case "$*" in
  *"apt-get update"*) exit 0 ;;
  *"--print-uris"*) echo %q ;;
  *"container run"*) echo fakeid ;;
  *"apt/lists"*) cat %q ;;
  *"container kill"*) exit 0 ;;
esac
`, printURIsLine, listsPath)

	dir := t.TempDir()
	bin := filepath.Join(dir, "podman")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	driver := container.New(bin, bin, log.NewNoop())
	cont, err := driver.Create(context.Background(), "debian:bookworm", container.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	pkgs, err := Resolve(context.Background(), cont, []string{"zlib1g"}, resolver.Env{Cache: c, Logger: log.NewNoop()})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(pkgs) != 1 {
		t.Fatalf("expected 1 package, got %d", len(pkgs))
	}
	want := "https://snapshot.debian.org/archive/debian/20230101T000000Z/pool/main/z/zlib1g/zlib1g_1.2.11-2_amd64.deb"
	if pkgs[0].URL != want {
		t.Errorf("url = %q, want %q", pkgs[0].URL, want)
	}
	if pkgs[0].SHA256 != pkgSHA256 {
		t.Errorf("sha256 = %q, want %q", pkgs[0].SHA256, pkgSHA256)
	}
	_ = pkgSHA1Hex // sha1 is computed internally; asserted indirectly via the snapshot lookup succeeding
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }
