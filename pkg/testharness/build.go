package testharness

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// BuildBinaries compiles the evalgen and mockengine binaries into outputDir.
// Returns the absolute paths to the compiled binaries.
func BuildBinaries(ctx context.Context, projectRoot, outputDir string) (string, string, error) {
	if err := prepare(projectRoot, outputDir); err != nil {
		return "", "", err
	}

	evalgenPath := filepath.Join(outputDir, "evalgen")
	if err := runGoBuild(ctx, projectRoot, evalgenPath, "./cmd/evalgen"); err != nil {
		return "", "", err
	}

	mockenginePath, err := BuildMockEngine(ctx, projectRoot, outputDir)
	if err != nil {
		return "", "", err
	}

	return evalgenPath, mockenginePath, nil
}

// BuildMockEngine compiles only the mock engine into outputDir
func BuildMockEngine(ctx context.Context, projectRoot, outputDir string) (string, error) {
	if err := prepare(projectRoot, outputDir); err != nil {
		return "", err
	}

	path := filepath.Join(outputDir, "mockengine")
	if err := runGoBuild(ctx, projectRoot, path, "./cmd/mockengine"); err != nil {
		return "", err
	}
	return path, nil
}

func prepare(projectRoot, outputDir string) error {
	if projectRoot == "" {
		return fmt.Errorf("project root is required")
	}
	if outputDir == "" {
		return fmt.Errorf("output directory is required")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return nil
}

func runGoBuild(ctx context.Context, projectRoot, outputPath, pkg string) error {
	cmd := exec.CommandContext(ctx, "go", "build", "-trimpath", "-o", outputPath, pkg)
	cmd.Dir = projectRoot

	env := os.Environ()
	env = setEnv(env, "CGO_ENABLED", "0")
	env = setEnv(env, "GOFLAGS", "-trimpath")
	cmd.Env = env

	if combined, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("go build %s failed: %w\n%s", pkg, err, string(combined))
	}
	return nil
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
