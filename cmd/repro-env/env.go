package main

import (
	"fmt"

	"github.com/repro-env/repro-env/internal/cache"
	"github.com/repro-env/repro-env/internal/config"
	"github.com/repro-env/repro-env/internal/container"
	"github.com/repro-env/repro-env/internal/httputil"
	"github.com/repro-env/repro-env/internal/log"
)

// newDriver resolves the container-runtime binary and PID-1 stub and
// returns a ready-to-use container.Driver.
func newDriver() (*container.Driver, error) {
	bin, err := config.ContainerBin()
	if err != nil {
		return nil, err
	}
	pid1, err := config.PID1Stub()
	if err != nil {
		return nil, err
	}
	return container.New(bin, pid1, log.Default()), nil
}

// newCache opens the content-addressed package cache at the configured
// cache root, using repro-env's hardened HTTP client for downloads.
func newCache() (*cache.Cache, error) {
	client := httputil.NewSecureClient(httputil.DefaultOptions())
	c, err := cache.New(client, log.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to open package cache: %w", err)
	}
	return c, nil
}
