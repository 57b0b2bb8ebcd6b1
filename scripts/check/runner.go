package main

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const modulePath = "github.com/vdavid/mailsync"

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
)

// runChecks runs every check in order and returns the names of the failed ones.
func runChecks(checks []Check, ctx *CheckContext) []string {
	var failed []string
	for _, check := range checks {
		fmt.Printf("  • %s... ", check.Name())
		start := time.Now()
		err := check.Run(ctx)
		duration := time.Since(start)

		if err != nil {
			fmt.Printf("%sFAILED%s (%s)\n", colorRed, colorReset, formatDuration(duration))
			if ctx.Verbose {
				fmt.Printf("      Error: %v\n", err)
			}
			failed = append(failed, check.Name())
			continue
		}
		fmt.Printf("%sOK%s (%s)\n", colorGreen, colorReset, formatDuration(duration))
	}
	return failed
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func runInRoot(ctx *CheckContext, name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = ctx.RootDir
	cmd.Env = append(os.Environ(), "GOTOOLCHAIN=auto")

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

func ensureToolInstalled(toolName, installPath string) error {
	if _, err := exec.LookPath(toolName); err == nil {
		return nil
	}

	fmt.Printf("%sInstalling %s...%s ", colorYellow, toolName, colorReset)
	cmd := exec.Command("go", "install", installPath)
	cmd.Env = append(os.Environ(), "GOTOOLCHAIN=auto")
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// addGoPathToPath makes tools installed with go install visible to exec.LookPath.
func addGoPathToPath() {
	output, err := exec.Command("go", "env", "GOPATH").Output()
	if err != nil {
		return
	}
	gopathBin := filepath.Join(strings.TrimSpace(string(output)), "bin")
	path := os.Getenv("PATH")
	if strings.Contains(path, gopathBin) {
		return
	}
	if err := os.Setenv("PATH", gopathBin+string(os.PathListSeparator)+path); err != nil {
		fmt.Printf("Warning: Failed to add %s to PATH: %v\n", gopathBin, err)
	}
}

func findRootDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return findModuleRoot(dir)
}

// findModuleRoot walks up from dir to the directory whose go.mod declares modulePath.
func findModuleRoot(dir string) (string, error) {
	for {
		if isModuleRoot(filepath.Join(dir, "go.mod")) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("could not find the %s module root", modulePath)
		}
		dir = parent
	}
}

func isModuleRoot(goMod string) bool {
	f, err := os.Open(goMod)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if name, ok := strings.CutPrefix(line, "module "); ok {
			return strings.TrimSpace(name) == modulePath
		}
	}
	return false
}

func indentOutput(output, indent string) string {
	var result strings.Builder
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) != "" {
			result.WriteString(indent)
			result.WriteString(line)
			result.WriteString("\n")
		}
	}
	return result.String()
}

func printError(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, "%s%s%s\n", colorRed, fmt.Sprintf(format, args...), colorReset)
}
