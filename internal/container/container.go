// Package container drives an external podman/docker-compatible CLI to
// create, exec into, inspect, and tear down the containers the resolvers
// and executor need. It is repro-env's sole external runtime dependency.
package container

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/repro-env/repro-env/internal/log"
)

// Driver runs container operations through a single CLI binary (podman or
// a docker-compatible equivalent).
type Driver struct {
	// Bin is the path to the CLI binary, e.g. "podman".
	Bin string

	// PID1Stub is the path to a static binary used as the entrypoint for
	// created containers - the container's own main process does nothing
	// but sit idle; all real work happens through Exec.
	PID1Stub string

	Logger log.Logger
}

// New returns a Driver for the given CLI binary and PID-1 stub binary.
func New(bin, pid1Stub string, logger log.Logger) *Driver {
	if logger == nil {
		logger = log.NewNoop()
	}
	return &Driver{Bin: bin, PID1Stub: pid1Stub, Logger: logger}
}

// Mount is a bind mount from a host path into the container.
type Mount struct {
	Source string
	Target string
}

// CreateOptions configures a newly created container.
type CreateOptions struct {
	Mounts     []Mount
	ExposeFUSE bool
}

// Container is a handle to a running container created by Driver.Create.
type Container struct {
	ID     string
	driver *Driver
}

func (d *Driver) run(ctx context.Context, args ...string) ([]byte, error) {
	d.Logger.Trace("exec", "bin", d.Bin, "args", args)
	cmd := exec.CommandContext(ctx, d.Bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("%s %s: %w: %s", d.Bin, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Pull pulls image, discarding output.
func (d *Driver) Pull(ctx context.Context, image string) error {
	_, err := d.run(ctx, "image", "pull", "--", image)
	if err != nil {
		return fmt.Errorf("failed to pull %s: %w", image, err)
	}
	return nil
}

type inspectResult struct {
	Digest string `json:"Digest"`
}

// Inspect returns the content digest of image.
func (d *Driver) Inspect(ctx context.Context, image string) (string, error) {
	out, err := d.run(ctx, "image", "inspect", "--", image)
	if err != nil {
		return "", fmt.Errorf("failed to inspect %s: %w", image, err)
	}

	var results []inspectResult
	if err := json.Unmarshal(out, &results); err != nil {
		return "", fmt.Errorf("failed to parse inspect output for %s: %w", image, err)
	}
	if len(results) != 1 {
		return "", fmt.Errorf("expected exactly one inspect result for %s, got %d", image, len(results))
	}
	if results[0].Digest == "" {
		return "", fmt.Errorf("inspect result for %s has no digest", image)
	}
	return results[0].Digest, nil
}

// Create starts a detached container from image and returns a handle to it.
// The container runs with --rm --network=host, a bind-mounted PID-1 stub as
// its entrypoint, and the requested bind mounts.
func (d *Driver) Create(ctx context.Context, image string, opts CreateOptions) (*Container, error) {
	args := []string{
		"container", "run", "--detach", "--rm", "--network=host",
		"-v", d.PID1Stub + ":/__:ro",
		"--entrypoint", "/__",
	}
	for _, m := range opts.Mounts {
		args = append(args, "-v", m.Source+":"+m.Target)
	}
	if opts.ExposeFUSE {
		args = append(args, "--device", "/dev/fuse")
	}
	args = append(args, image)

	out, err := d.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create container from %s: %w", image, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	if !scanner.Scan() {
		return nil, fmt.Errorf("container create for %s produced no output", image)
	}
	id := strings.TrimSpace(scanner.Text())
	if id == "" {
		return nil, fmt.Errorf("container create for %s produced an empty id", image)
	}

	return &Container{ID: id, driver: d}, nil
}

// ExecOptions configures a command run inside an already-created container.
type ExecOptions struct {
	Cwd           string
	User          string
	Env           []string
	CaptureStdout bool
}

// Exec runs argv inside the container. If opts.CaptureStdout is set, the
// command's stdout is returned.
func (c *Container) Exec(ctx context.Context, argv []string, opts ExecOptions) ([]byte, error) {
	args := []string{"container", "exec"}
	if opts.Cwd != "" {
		args = append(args, "-w", opts.Cwd)
	}
	if opts.User != "" {
		args = append(args, "-u", opts.User)
	}
	for _, e := range opts.Env {
		args = append(args, "-e", e)
	}
	args = append(args, c.ID)
	args = append(args, argv...)

	out, err := c.driver.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("exec in container %s failed: %w", c.ID, err)
	}
	if opts.CaptureStdout {
		return out, nil
	}
	return nil, nil
}

// Tar returns a tar stream of path from inside the container, equivalent to
// `container cp <id>:<path> -`.
func (c *Container) Tar(ctx context.Context, path string) ([]byte, error) {
	out, err := c.driver.run(ctx, "container", "cp", c.ID+":"+path, "-")
	if err != nil {
		return nil, fmt.Errorf("failed to copy %s from container %s: %w", path, c.ID, err)
	}
	return out, nil
}

// Cat reads path from inside the container and returns the content of its
// first regular-file tar entry; it rejects archives whose first entry is
// not a regular file.
func (c *Container) Cat(ctx context.Context, path string) ([]byte, error) {
	data, err := c.Tar(ctx, path)
	if err != nil {
		return nil, err
	}
	return firstRegularFile(data)
}

// WriteFile writes a single file into dir inside the container by building
// a one-entry tar in memory and piping it into `container cp - <id>:<dir>`.
func (c *Container) WriteFile(ctx context.Context, dir, filename string, data []byte) error {
	tarData, err := buildSingleFileTar(filename, data)
	if err != nil {
		return fmt.Errorf("failed to build tar for %s: %w", filename, err)
	}

	cmd := exec.CommandContext(ctx, c.driver.Bin, "container", "cp", "-", c.ID+":"+dir)
	cmd.Stdin = bytes.NewReader(tarData)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	c.driver.Logger.Trace("exec", "bin", c.driver.Bin, "args", []string{"container", "cp", "-", c.ID + ":" + dir})
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to write %s into container %s: %w: %s", filename, c.ID, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Kill stops the container. Failure is logged as a warning, not returned,
// since cleanup must never be what fails a command.
func (c *Container) Kill(ctx context.Context) {
	if _, err := c.driver.run(ctx, "container", "kill", c.ID); err != nil {
		c.driver.Logger.Warn("failed to kill container", "id", c.ID, "error", err)
	}
}

// Run awaits body, keeping the container alive until it finishes. If body
// succeeds and keep is true, Run blocks until ctx is cancelled (e.g. by a
// process interrupt) before returning. The container is killed on every
// exit path.
func (c *Container) Run(ctx context.Context, body func(ctx context.Context) error, keep bool) error {
	defer c.Kill(context.Background())

	err := body(ctx)
	if err != nil {
		return err
	}
	if keep {
		c.driver.Logger.Info("keeping container alive until interrupted", "id", c.ID)
		<-ctx.Done()
	}
	return nil
}
