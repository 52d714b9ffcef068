package container

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
)

// firstRegularFile extracts the content of the first regular-file entry in
// a tar stream, rejecting any other entry type encountered first.
func firstRegularFile(data []byte) ([]byte, error) {
	tr := tar.NewReader(bytes.NewReader(data))

	th, err := tr.Next()
	if err == io.EOF {
		return nil, fmt.Errorf("tar stream is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tar entry: %w", err)
	}
	if th.Typeflag != tar.TypeReg {
		return nil, fmt.Errorf("expected a regular file, got entry %q of type %d", th.Name, th.Typeflag)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, tr); err != nil {
		return nil, fmt.Errorf("failed to read tar entry %q: %w", th.Name, err)
	}
	return buf.Bytes(), nil
}

// buildSingleFileTar builds an in-memory tar archive with a single regular
// file entry.
func buildSingleFileTar(filename string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	hdr := &tar.Header{
		Name: filename,
		Mode: 0o640,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write tar entry: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close tar writer: %w", err)
	}
	return buf.Bytes(), nil
}
