package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CheckContext holds the context for running checks.
type CheckContext struct {
	CI      bool
	Short   bool
	Verbose bool
	RootDir string
}

// Check is one step of the quality gate.
type Check interface {
	Name() string
	Run(ctx *CheckContext) error
}

func allChecks() []Check {
	return []Check{
		&gofmtCheck{},
		&modTidyCheck{},
		&toolCheck{name: "go-vet", command: "go", args: []string{"vet", "./..."}},
		&toolCheck{
			name:    "staticcheck",
			command: "staticcheck",
			install: "honnef.co/go/tools/cmd/staticcheck@latest",
			args:    []string{"./..."},
		},
		&toolCheck{
			name:    "govulncheck",
			command: "govulncheck",
			install: "golang.org/x/vuln/cmd/govulncheck@latest",
			args:    []string{"./..."},
		},
		&toolCheck{
			name:    "ineffassign",
			command: "ineffassign",
			install: "github.com/gordonklaus/ineffassign@latest",
			args:    []string{"./..."},
		},
		&testsCheck{},
	}
}

func checkByName(name string) Check {
	for _, c := range allChecks() {
		if strings.EqualFold(c.Name(), name) {
			return c
		}
	}
	return nil
}

// toolCheck runs a command in the module root and fails on a non-zero exit.
// Tools with an install path are installed into GOPATH/bin on first use.
type toolCheck struct {
	name    string
	command string
	install string
	args    []string
}

func (c *toolCheck) Name() string { return c.name }

func (c *toolCheck) Run(ctx *CheckContext) error {
	if c.install != "" {
		addGoPathToPath()
		if err := ensureToolInstalled(c.command, c.install); err != nil {
			return fmt.Errorf("failed to install %s: %w", c.command, err)
		}
	}
	output, err := runInRoot(ctx, c.command, c.args...)
	if err != nil {
		fmt.Println()
		fmt.Print(indentOutput(output, "      "))
		return fmt.Errorf("%s failed", c.name)
	}
	return nil
}

type gofmtCheck struct{}

func (c *gofmtCheck) Name() string { return "gofmt" }

func (c *gofmtCheck) Run(ctx *CheckContext) error {
	unformatted, err := listUnformatted(ctx)
	if err != nil {
		return err
	}
	if len(unformatted) == 0 {
		return nil
	}

	fmt.Println()
	fmt.Println("    Files not formatted:")
	for _, file := range unformatted {
		fmt.Printf("      %s\n", file)
	}
	if ctx.CI {
		return fmt.Errorf("files need formatting")
	}

	if _, err := runInRoot(ctx, "gofmt", "-s", "-w", "cmd", "internal", "migrations", "scripts"); err != nil {
		return fmt.Errorf("failed to run gofmt -w: %w", err)
	}
	if remaining, _ := listUnformatted(ctx); len(remaining) > 0 {
		return fmt.Errorf("%d files still need formatting", len(remaining))
	}
	return nil
}

// listUnformatted skips _-prefixed directories, which the go tool ignores too.
func listUnformatted(ctx *CheckContext) ([]string, error) {
	output, err := runInRoot(ctx, "gofmt", "-s", "-l", "cmd", "internal", "migrations", "scripts")
	if err != nil && strings.TrimSpace(output) == "" {
		return nil, fmt.Errorf("gofmt failed: %w", err)
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// modTidyCheck runs go mod tidy and fails if it changed go.mod or go.sum.
// The original files are always restored.
type modTidyCheck struct{}

func (c *modTidyCheck) Name() string { return "go-mod-tidy" }

func (c *modTidyCheck) Run(ctx *CheckContext) error {
	files := []string{filepath.Join(ctx.RootDir, "go.mod"), filepath.Join(ctx.RootDir, "go.sum")}
	originals := make(map[string][]byte, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to read %s: %w", f, err)
		}
		originals[f] = data
	}
	defer func() {
		for f, data := range originals {
			if data == nil {
				_ = os.Remove(f)
				continue
			}
			if err := os.WriteFile(f, data, 0o644); err != nil {
				printError("failed to restore %s: %v", f, err)
			}
		}
	}()

	if output, err := runInRoot(ctx, "go", "mod", "tidy"); err != nil {
		fmt.Println()
		fmt.Print(indentOutput(output, "      "))
		return fmt.Errorf("go mod tidy failed: %w", err)
	}

	for _, f := range files {
		after, _ := os.ReadFile(f)
		if !bytes.Equal(after, originals[f]) {
			fmt.Println()
			fmt.Println("    Module files need tidying. Run: go mod tidy")
			return fmt.Errorf("%s needs tidying", filepath.Base(f))
		}
	}
	return nil
}

type testsCheck struct{}

func (c *testsCheck) Name() string { return "tests" }

func (c *testsCheck) Run(ctx *CheckContext) error {
	args := []string{"test", "-race", "./..."}
	if ctx.Short {
		args = []string{"test", "-race", "-short", "./..."}
	}
	output, err := runInRoot(ctx, "go", args...)
	if err != nil {
		fmt.Println()
		fmt.Print(indentOutput(output, "      "))
		return fmt.Errorf("tests failed")
	}
	if ctx.Verbose {
		fmt.Print(indentOutput(output, "      "))
	}
	return nil
}
