// Package deb extracts the package name and version from a Debian binary
// package (.deb) without unpacking its data payload.
package deb

import (
	"archive/tar"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/blakesmith/ar"
	"github.com/ulikunitz/xz"
)

// Info is the name/version pair a .deb file resolves to.
type Info struct {
	Name    string
	Version string
}

// Parse reads a .deb file - a Unix ar archive containing a debian-binary
// member, a control.tar member, and a data.tar member - and extracts the
// Package and Version fields from the control file inside control.tar.
func Parse(data []byte) (Info, error) {
	r := ar.NewReader(bytes.NewReader(data))

	for {
		header, err := r.Next()
		if err == io.EOF {
			return Info{}, fmt.Errorf("no control.tar member found in deb archive")
		}
		if err != nil {
			return Info{}, fmt.Errorf("failed to read ar header: %w", err)
		}

		name := strings.TrimSpace(header.Name)
		if !strings.HasPrefix(name, "control.tar") {
			continue
		}

		var tr *tar.Reader
		switch {
		case strings.HasSuffix(name, "control.tar.xz"):
			xr, err := xz.NewReader(r)
			if err != nil {
				return Info{}, fmt.Errorf("failed to open control.tar.xz: %w", err)
			}
			tr = tar.NewReader(xr)
		default:
			return Info{}, fmt.Errorf("unsupported compression: %s", name)
		}

		return parseControlTar(tr)
	}
}

func parseControlTar(tr *tar.Reader) (Info, error) {
	for {
		th, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Info{}, fmt.Errorf("failed to read control tar: %w", err)
		}

		if th.Name != "./control" && th.Name != "control" {
			continue
		}

		return parseControlFile(tr)
	}
	return Info{}, fmt.Errorf("control.tar is missing the ./control file")
}

func parseControlFile(r io.Reader) (Info, error) {
	var info Info

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "Package:"):
			info.Name = strings.TrimSpace(strings.TrimPrefix(line, "Package:"))
		case strings.HasPrefix(line, "Version:"):
			info.Version = strings.TrimSpace(strings.TrimPrefix(line, "Version:"))
		}
	}
	if err := scanner.Err(); err != nil {
		return Info{}, fmt.Errorf("failed to scan control file: %w", err)
	}

	if info.Name == "" {
		return Info{}, fmt.Errorf("control file is missing Package field")
	}
	if info.Version == "" {
		return Info{}, fmt.Errorf("control file is missing Version field")
	}
	return info, nil
}
