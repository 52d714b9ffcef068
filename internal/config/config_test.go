package config

import (
	"path/filepath"
	"testing"
)

func TestCacheDir_EnvHomeTakesPrecedence(t *testing.T) {
	t.Setenv(EnvHome, "/tmp/home-cache")
	t.Setenv(EnvCache, "/tmp/other-cache")

	got, err := CacheDir()
	if err != nil {
		t.Fatalf("CacheDir: %v", err)
	}
	if got != "/tmp/home-cache" {
		t.Errorf("expected EnvHome to win, got %q", got)
	}
}

func TestCacheDir_EnvCacheFallback(t *testing.T) {
	t.Setenv(EnvHome, "")
	t.Setenv(EnvCache, "/tmp/other-cache")

	got, err := CacheDir()
	if err != nil {
		t.Fatalf("CacheDir: %v", err)
	}
	if got != "/tmp/other-cache" {
		t.Errorf("expected EnvCache fallback, got %q", got)
	}
}

func TestCacheDir_DefaultsUnderUserCacheDir(t *testing.T) {
	t.Setenv(EnvHome, "")
	t.Setenv(EnvCache, "")

	got, err := CacheDir()
	if err != nil {
		t.Fatalf("CacheDir: %v", err)
	}
	if filepath.Base(got) != "repro-env" {
		t.Errorf("expected default cache dir to end in repro-env, got %q", got)
	}
}

func TestSkipCloneCheck(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{"", false},
		{"0", false},
		{"1", true},
		{"true", true},
	}
	for _, tc := range cases {
		t.Setenv(EnvSkipCloneCheck, tc.value)
		if got := SkipCloneCheck(); got != tc.want {
			t.Errorf("SkipCloneCheck() with %q = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestContainerBin_EnvOverrideTakesPrecedence(t *testing.T) {
	t.Setenv(EnvContainerBin, "/usr/local/bin/my-podman")

	got, err := ContainerBin()
	if err != nil {
		t.Fatalf("ContainerBin: %v", err)
	}
	if got != "/usr/local/bin/my-podman" {
		t.Errorf("ContainerBin() = %q", got)
	}
}

func TestPID1Stub_EnvOverrideTakesPrecedence(t *testing.T) {
	t.Setenv(EnvPID1Stub, "/opt/repro-env/repro-env-pid1")

	got, err := PID1Stub()
	if err != nil {
		t.Fatalf("PID1Stub: %v", err)
	}
	if got != "/opt/repro-env/repro-env-pid1" {
		t.Errorf("PID1Stub() = %q", got)
	}
}
