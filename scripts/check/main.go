// Command check runs the code quality checks for the module: formatting,
// static analysis, module tidiness and tests.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

func main() {
	var (
		checkName = flag.String("check", "", "Run a single check by name")
		ciMode    = flag.Bool("ci", false, "Disable auto-fixing (for CI)")
		short     = flag.Bool("short", false, "Skip tests that start containers")
		verbose   = flag.Bool("verbose", false, "Show detailed output")
		help      = flag.Bool("help", false, "Show help message")
	)
	flag.Usage = showUsage
	flag.Parse()

	if *help {
		showUsage()
		os.Exit(0)
	}

	rootDir, err := findRootDir()
	if err != nil {
		printError("Error: %v", err)
		os.Exit(1)
	}

	ctx := &CheckContext{
		CI:      *ciMode,
		Short:   *short,
		Verbose: *verbose,
		RootDir: rootDir,
	}

	checks := allChecks()
	if *checkName != "" {
		check := checkByName(*checkName)
		if check == nil {
			printError("Error: Unknown check name: %s", *checkName)
			_, _ = fmt.Fprintln(os.Stderr, "Run with -help to see available checks")
			os.Exit(1)
		}
		checks = []Check{check}
	}

	fmt.Println("🔍 Running checks...")
	start := time.Now()
	failed := runChecks(checks, ctx)
	total := time.Since(start)

	fmt.Println()
	if len(failed) > 0 {
		fmt.Printf("%s❌ Some checks failed. Please fix the issues above.%s\n", colorRed, colorReset)
		fmt.Printf("%s⏱️  Total runtime: %s%s\n", colorYellow, formatDuration(total), colorReset)
		fmt.Println()
		fmt.Println("To rerun a specific check:")
		for _, name := range failed {
			fmt.Printf("  go run ./scripts/check -check %s\n", name)
		}
		os.Exit(1)
	}
	fmt.Printf("%s✅ All checks passed!%s\n", colorGreen, colorReset)
	fmt.Printf("%s⏱️  Total runtime: %s%s\n", colorYellow, formatDuration(total), colorReset)
}

func showUsage() {
	fmt.Println("Usage: go run ./scripts/check [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("    -check NAME   Run a single check by name")
	fmt.Println("    -ci           Disable auto-fixing (for CI)")
	fmt.Println("    -short        Skip tests that start Postgres containers")
	fmt.Println("    -verbose      Show detailed output")
	fmt.Println()
	fmt.Println("Available check names:")
	for _, c := range allChecks() {
		fmt.Printf("    %s\n", c.Name())
	}
}
