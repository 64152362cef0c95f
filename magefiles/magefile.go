//go:build mage

// Package main provides build targets for the ledger project using Mage.
//
// Usage:
//
//	mage build          Compile the ledger binary to bin/
//	mage test           Run all tests, including Postgres in a container
//	mage testShort      Run tests that need no container runtime
//	mage testPostgres   Run only the Postgres store tests
//	mage lint           Run golangci-lint
//	mage demo           Build and run the built-in scenario
//	mage clean          Remove build artifacts
//	mage install        Install ledger to GOPATH/bin
package main

import (
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binGo      = "go"
	binLint    = "golangci-lint"
	binaryName = "ledger"
	binaryDir  = "bin"
	cmdDir     = "./cmd/ledger"
	modulePath = "github.com/mesh-intelligence/ledger"
)

// Build compiles the ledger binary to bin/. LEDGER_VERSION, when set, is
// stamped into the binary.
func Build() error {
	if err := os.MkdirAll(binaryDir, 0o755); err != nil {
		return err
	}
	args := []string{"build", "-v", "-o", filepath.Join(binaryDir, binaryName)}
	if v := os.Getenv("LEDGER_VERSION"); v != "" {
		args = append(args, "-ldflags", "-X "+modulePath+"/internal/cli.Version="+v)
	}
	return sh.RunV(binGo, append(args, cmdDir)...)
}

// Test runs every test. The Postgres tests start a container and skip
// themselves when no container runtime is available.
func Test() error {
	return sh.RunV(binGo, "test", "./...")
}

// TestShort runs the tests that need no container runtime.
func TestShort() error {
	return sh.RunV(binGo, "test", "-short", "./...")
}

// TestPostgres runs only the Postgres store tests.
func TestPostgres() error {
	return sh.RunV(binGo, "test", "-run", "TestPostgres", "./internal/sqlstore/")
}

// Lint runs golangci-lint.
func Lint() error {
	return sh.RunV(binLint, "run", "./...")
}

// Demo builds the binary and runs the built-in scenario.
func Demo() error {
	mg.Deps(Build)
	return sh.RunV(filepath.Join(binaryDir, binaryName), "demo")
}

// Clean removes build artifacts.
func Clean() error {
	if err := os.RemoveAll(binaryDir); err != nil {
		return err
	}
	return sh.RunV(binGo, "clean")
}

// Install builds and copies the binary to GOPATH/bin.
func Install() error {
	mg.Deps(Build)
	gopath, err := sh.Output(binGo, "env", "GOPATH")
	if err != nil {
		return err
	}
	src := filepath.Join(binaryDir, binaryName)
	dst := filepath.Join(gopath, "bin", binaryName)
	return sh.Copy(dst, src)
}
