// Package arch extracts the package name and version from an Arch Linux
// package archive (.pkg.tar.{zst,xz,...}).
package arch

import (
	"archive/tar"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

var (
	xzMagic   = []byte{0xFD, 0x37, 0x7A, 0x58, 0x5A, 0x00}
	zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}
)

// Info is the name/version pair a package archive resolves to.
type Info struct {
	Name    string
	Version string
}

// Parse content-sniffs the compression used by data, decompresses it, and
// reads .PKGINFO from the resulting tar stream for pkgname/pkgver.
func Parse(data []byte) (Info, error) {
	var r io.Reader = bytes.NewReader(data)

	switch {
	case bytes.HasPrefix(data, xzMagic):
		xr, err := xz.NewReader(r)
		if err != nil {
			return Info{}, fmt.Errorf("failed to open xz stream: %w", err)
		}
		r = xr
	case bytes.HasPrefix(data, zstdMagic):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return Info{}, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	tr := tar.NewReader(r)
	for {
		th, err := tr.Next()
		if err == io.EOF {
			return Info{}, fmt.Errorf(".PKGINFO not found in package archive")
		}
		if err != nil {
			return Info{}, fmt.Errorf("failed to read package tar: %w", err)
		}
		if th.Name != ".PKGINFO" {
			continue
		}
		return parsePkgInfo(tr)
	}
}

func parsePkgInfo(r io.Reader) (Info, error) {
	var info Info

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "pkgname ="):
			info.Name = strings.TrimSpace(strings.TrimPrefix(line, "pkgname ="))
		case strings.HasPrefix(line, "pkgver ="):
			info.Version = strings.TrimSpace(strings.TrimPrefix(line, "pkgver ="))
		}
	}
	if err := scanner.Err(); err != nil {
		return Info{}, fmt.Errorf("failed to scan .PKGINFO: %w", err)
	}

	if info.Name == "" {
		return Info{}, fmt.Errorf(".PKGINFO is missing pkgname")
	}
	if info.Version == "" {
		return Info{}, fmt.Errorf(".PKGINFO is missing pkgver")
	}
	return info, nil
}
