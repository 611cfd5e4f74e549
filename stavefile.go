//go:build stave

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/yaklabco/stave/pkg/sh"
	"github.com/yaklabco/stave/pkg/st"
)

// Default target when running `stave` with no arguments.
var Default = Build

// Aliases for common targets.
var Aliases = map[string]interface{}{
	"b": Build,
	"t": Test,
	"l": Lint,
	"i": Install,
	"c": Clean,
	"s": Serve,
}

const (
	binaryName = "pushsync"
	mainPkg    = "./cmd/pushsync"
	binDir     = "bin"
	devDir     = ".dev"
)

// go-sqlite3 is a cgo package.
var cgoEnv = map[string]string{"CGO_ENABLED": "1"}

// All runs the complete build pipeline.
func All() error {
	st.Deps(Lint, Test)
	st.Deps(Build)
	return nil
}

// Build compiles the pushsync binary.
func Build() error {
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return fmt.Errorf("creating bin directory: %w", err)
	}
	return sh.RunWithV(cgoEnv, "go", "build", "-ldflags", buildLdflags(), "-o", binaryPath(), mainPkg)
}

// Install builds and copies pushsync into GOBIN.
func Install() error {
	st.Deps(Build)

	bin, err := goBin()
	if err != nil {
		return err
	}
	dst := filepath.Join(bin, exe(binaryName))
	if st.Verbose() {
		fmt.Printf("Installing %s to %s\n", binaryPath(), dst)
	}
	return sh.Copy(dst, binaryPath())
}

// Uninstall removes the installed pushsync binary.
func Uninstall() error {
	bin, err := goBin()
	if err != nil {
		return err
	}
	target := filepath.Join(bin, exe(binaryName))
	if _, err := os.Stat(target); os.IsNotExist(err) {
		if st.Verbose() {
			fmt.Printf("Binary not found at %s, nothing to uninstall\n", target)
		}
		return nil
	}
	return os.Remove(target)
}

// Test runs all tests with race detection and coverage.
func Test() error {
	return sh.RunWithV(cgoEnv, "go", "test", "-race", "-cover", "./...")
}

// Short runs the tests without the race detector.
func Short() error {
	return sh.RunWithV(cgoEnv, "go", "test", "-short", "./...")
}

// Lint runs golangci-lint.
func Lint() error {
	return sh.RunV("golangci-lint", "run", "./...")
}

// Serve builds and runs a server on a scratch root under .dev/.
func Serve() error {
	st.Deps(Build)

	root := filepath.Join(devDir, "root")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	return sh.RunV(binaryPath(), "server", "-v",
		"--root", root,
		"--data-dir", filepath.Join(devDir, "data"),
		"--metrics-addr", "127.0.0.1:9108")
}

// Clean removes build artifacts and the dev sandbox.
func Clean() error {
	if st.Verbose() {
		fmt.Printf("Removing %s/ and %s/\n", binDir, devDir)
	}
	if err := sh.Rm(devDir + "/"); err != nil {
		return err
	}
	return sh.Rm(binDir + "/")
}

// Fmt formats all Go code.
func Fmt() error {
	if err := sh.Run("gofmt", "-w", "."); err != nil {
		return fmt.Errorf("running gofmt: %w", err)
	}
	return sh.Run("goimports", "-w", ".")
}

// Tidy runs go mod tidy.
func Tidy() error {
	return sh.RunV("go", "mod", "tidy")
}

func binaryPath() string {
	return filepath.Join(binDir, exe(binaryName))
}

func exe(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}

// goBin resolves GOBIN, then GOPATH/bin, then /usr/local/bin.
func goBin() (string, error) {
	gocmd := st.GoCmd()
	bin, err := sh.Output(gocmd, "env", "GOBIN")
	if err != nil {
		return "", fmt.Errorf("determining GOBIN: %w", err)
	}
	if bin != "" {
		return bin, nil
	}
	gopath, err := sh.Output(gocmd, "env", "GOPATH")
	if err != nil {
		return "", fmt.Errorf("determining GOPATH: %w", err)
	}
	if gopath != "" {
		return filepath.Join(gopath, "bin"), nil
	}
	return "/usr/local/bin", nil
}

// buildLdflags returns ldflags for version injection.
func buildLdflags() string {
	version := "dev"
	commit := "unknown"
	date := time.Now().Format(time.RFC3339)

	if v, err := sh.Output("git", "describe", "--tags", "--always"); err == nil && v != "" {
		version = strings.TrimSpace(v)
	}
	if c, err := sh.Output("git", "rev-parse", "--short", "HEAD"); err == nil && c != "" {
		commit = strings.TrimSpace(c)
	}

	return fmt.Sprintf("-X main.version=%s -X main.commit=%s -X main.date=%s", version, commit, date)
}
