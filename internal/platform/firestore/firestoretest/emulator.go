//go:build integration

// Package firestoretest runs a disposable Firestore emulator container for integration tests.
package firestoretest

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	pconfig "github.com/healinparadise/preorders/internal/platform/config"
)

const (
	emulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
	containerPort = "8080/tcp"
	readyTimeout  = 30 * time.Second
)

// Start returns a config aimed at a fresh emulator for projectID. Tests skip when docker is
// missing or its daemon is down.
func Start(t *testing.T, projectID string) pconfig.FirestoreConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	if _, err := docker(context.Background(), "info", "--format", "{{.ServerVersion}}"); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}

	container, err := docker(context.Background(), "run", "--detach", "--rm",
		"--publish", "127.0.0.1::"+containerPort,
		emulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start", "--host-port=0.0.0.0:8080", "--quiet",
	)
	if err != nil {
		t.Fatalf("start firestore emulator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = docker(ctx, "stop", container)
	})

	// docker port prints one line per address family; the first is the IPv4 binding.
	mapped, err := docker(context.Background(), "port", container, containerPort)
	if err != nil {
		t.Fatalf("inspect emulator port: %v", err)
	}
	endpoint, _, _ := strings.Cut(mapped, "\n")

	ctx, cancel := context.WithTimeout(context.Background(), readyTimeout)
	defer cancel()
	if err := awaitListener(ctx, endpoint); err != nil {
		t.Fatalf("emulator at %s not ready: %v", endpoint, err)
	}
	return pconfig.FirestoreConfig{ProjectID: projectID, EmulatorHost: endpoint}
}

func docker(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", args[0], err, text)
	}
	return text, nil
}

func awaitListener(ctx context.Context, endpoint string) error {
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	var dialer net.Dialer
	for {
		conn, err := dialer.DialContext(ctx, "tcp", endpoint)
		if err == nil {
			return conn.Close()
		}
		select {
		case <-ctx.Done():
			return err
		case <-tick.C:
		}
	}
}
