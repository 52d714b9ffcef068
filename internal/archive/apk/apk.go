// Package apk locates the control blob inside an Alpine package (.apk),
// a concatenation of three independent gzip streams (signature, control,
// data), so its SHA-1 can be checked against Alpine's APKINDEX checksum.
package apk

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha1"
	"fmt"
	"io"
	"strings"
)

// Bounds is the half-open byte range [Start, End) within an apk file that
// holds the control stream: the second of the three concatenated gzip
// members.
type Bounds struct {
	Start int
	End   int
}

// FirstMemberLength returns the length in bytes of the first gzip member in
// data, whose payload is a tar archive - used to step over a leading
// detached-signature stream that precedes the member actually wanted,
// shared by both apk's signature/control/data layout and Alpine's signed
// APKINDEX.tar.gz (signature followed by a single index tar.gz).
//
// After the tar end-of-archive marker, the rest of the gzip member is
// drained, including its trailer (CRC32+ISIZE), so the reader stops exactly
// at the start of the next member; the bytes consumed are the member length.
func FirstMemberLength(data []byte) (int, error) {
	total := len(data)

	r := bytes.NewReader(data)
	gz, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("failed to open leading gzip member: %w", err)
	}
	gz.Multistream(false)

	tr := tar.NewReader(gz)
	for {
		if _, err := tr.Next(); err != nil {
			if err == io.EOF {
				break
			}
			return 0, fmt.Errorf("failed to read leading tar member: %w", err)
		}
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return 0, fmt.Errorf("failed to read leading tar entry: %w", err)
		}
	}

	if _, err := io.Copy(io.Discard, gz); err != nil {
		return 0, fmt.Errorf("failed to read leading gzip member: %w", err)
	}

	return total - r.Len(), nil
}

// ParseControlBounds locates the control stream within an apk file: the
// second of its three concatenated gzip members (signature, control, data).
func ParseControlBounds(data []byte) (Bounds, error) {
	total := len(data)

	start, err := FirstMemberLength(data)
	if err != nil {
		return Bounds{}, fmt.Errorf("failed to skip signature stream: %w", err)
	}
	if start > total {
		return Bounds{}, fmt.Errorf("signature stream overruns archive")
	}

	ctrlReader := bytes.NewReader(data[start:])
	ctrlGzip, err := gzip.NewReader(ctrlReader)
	if err != nil {
		return Bounds{}, fmt.Errorf("failed to open control stream at offset %d: %w", start, err)
	}
	ctrlGzip.Multistream(false)
	if _, err := io.Copy(io.Discard, ctrlGzip); err != nil {
		return Bounds{}, fmt.Errorf("failed to read control stream: %w", err)
	}

	consumed := len(data[start:]) - ctrlReader.Len()
	return Bounds{Start: start, End: start + consumed}, nil
}

// ControlBlob returns the raw (still gzip-compressed) control stream bytes.
func ControlBlob(data []byte) ([]byte, error) {
	b, err := ParseControlBounds(data)
	if err != nil {
		return nil, err
	}
	return data[b.Start:b.End], nil
}

// ControlSHA1 returns the SHA-1 of the control blob, the value Alpine's
// APKINDEX indexes packages by (base64-encoded with a "Q1" prefix).
func ControlSHA1(data []byte) ([sha1.Size]byte, error) {
	blob, err := ControlBlob(data)
	if err != nil {
		return [sha1.Size]byte{}, err
	}
	return sha1.Sum(blob), nil
}

// Info is the name/version pair an apk file resolves to.
type Info struct {
	Name    string
	Version string
}

// Parse decompresses the control stream and reads .PKGINFO from it for
// pkgname/pkgver, the same fields Alpine's APKINDEX P:/V: lines mirror.
func Parse(data []byte) (Info, error) {
	blob, err := ControlBlob(data)
	if err != nil {
		return Info{}, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return Info{}, fmt.Errorf("failed to open control stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		th, err := tr.Next()
		if err == io.EOF {
			return Info{}, fmt.Errorf(".PKGINFO not found in control stream")
		}
		if err != nil {
			return Info{}, fmt.Errorf("failed to read control tar: %w", err)
		}
		if th.Name != ".PKGINFO" {
			continue
		}

		content, err := io.ReadAll(tr)
		if err != nil {
			return Info{}, fmt.Errorf("failed to read .PKGINFO: %w", err)
		}
		return parsePkgInfo(content)
	}
}

func parsePkgInfo(content []byte) (Info, error) {
	var info Info
	for _, line := range strings.Split(string(content), "\n") {
		switch {
		case strings.HasPrefix(line, "pkgname = "):
			info.Name = strings.TrimSpace(strings.TrimPrefix(line, "pkgname = "))
		case strings.HasPrefix(line, "pkgver = "):
			info.Version = strings.TrimSpace(strings.TrimPrefix(line, "pkgver = "))
		}
	}
	if info.Name == "" {
		return Info{}, fmt.Errorf(".PKGINFO is missing pkgname")
	}
	if info.Version == "" {
		return Info{}, fmt.Errorf(".PKGINFO is missing pkgver")
	}
	return info, nil
}
