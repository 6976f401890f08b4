package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
)

// DoctorCommand returns the CLI command definition for the 'doctor' subcommand.
// This command runs diagnostic checks against the effective configuration.
func DoctorCommand(version string) *cli.Command {
	return &cli.Command{
		Name:  "doctor",
		Usage: "Diagnose common setup and configuration issues",
		Description: `Run checks to verify pulsed is properly configured.

This command checks:
  - The config file (when --config is given)
  - The SQLite database path (when persistence is configured)
  - Redis reachability (when the Redis collector is configured)
  - The OTLP endpoint (when trace forwarding is configured)
  - The watched log file (when the log-file collector is configured)

Exit codes:
  0 - All critical checks passed
  1 - One or more issues found`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a YAML config file",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runDoctor(version, cmd.String("config"))
		},
	}
}

type checkResult struct {
	Name       string
	Status     string // "pass", "warn", "fail", "skip"
	Message    string
	Suggestion string
	IsCritical bool
}

type checkEnv interface {
	Stat(name string) (os.FileInfo, error)
	WriteProbe(dir string) error
	DialTimeout(network, addr string, timeout time.Duration) error
}

type realCheckEnv struct{}

func (r *realCheckEnv) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }

func (r *realCheckEnv) WriteProbe(dir string) error {
	f, err := os.CreateTemp(dir, ".pulse-doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func (r *realCheckEnv) DialTimeout(network, addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

func runDoctor(version, configPath string) error {
	return runDoctorWithEnv(version, configPath, &realCheckEnv{})
}

func runDoctorWithEnv(version, configPath string, env checkEnv) error {
	fmt.Printf("🔍 pulsed doctor v%s\n\n", version)

	cfg, result := checkConfigFile(configPath)
	results := []checkResult{result}
	printCheckResult(result)

	checks := []func(cfg *Config, env checkEnv) checkResult{
		checkDatabasePath,
		checkRedis,
		checkOTLPEndpoint,
		checkLogFile,
	}
	for _, check := range checks {
		result := check(cfg, env)
		if result.Status == "skip" {
			continue
		}
		results = append(results, result)
		printCheckResult(result)
	}

	fmt.Println()
	summary := summarizeResults(results)
	printSummary(summary)

	if summary.FailCount > 0 {
		return fmt.Errorf("found %d issues that need attention", summary.FailCount)
	}

	return nil
}

func printCheckResult(result checkResult) {
	var icon string
	switch result.Status {
	case "pass":
		icon = "✓"
	case "warn":
		icon = "⚠"
	case "fail":
		icon = "✗"
	}

	fmt.Printf("%s %s\n", icon, result.Message)

	if result.Suggestion != "" {
		fmt.Printf("  %s\n", result.Suggestion)
	}
}

type resultSummary struct {
	PassCount int
	WarnCount int
	FailCount int
}

func summarizeResults(results []checkResult) resultSummary {
	var summary resultSummary
	for _, r := range results {
		switch r.Status {
		case "pass":
			summary.PassCount++
		case "warn":
			summary.WarnCount++
		case "fail":
			summary.FailCount++
		}
	}
	return summary
}

func printSummary(summary resultSummary) {
	if summary.FailCount > 0 {
		fmt.Printf("❌ Found %d issue(s) that need attention\n", summary.FailCount)
		if summary.WarnCount > 0 {
			fmt.Printf("⚠️  %d warning(s)\n", summary.WarnCount)
		}
	} else if summary.WarnCount > 0 {
		fmt.Printf("✅ All critical checks passed!\n")
		fmt.Printf("⚠️  %d optional warning(s)\n", summary.WarnCount)
		fmt.Printf("💡 Run 'pulsed serve --verbose' to start the server\n")
	} else {
		fmt.Printf("✅ All checks passed!\n")
		fmt.Printf("💡 Run 'pulsed serve --verbose' to start the server\n")
	}
}

// Check 1: config file loads and parsesback into the effective config.
func checkConfigFile(configPath string) (*Config, checkResult) {
	if configPath == "" {
		return DefaultConfig(), checkResult{
			Name:    "config_file",
			Status:  "pass",
			Message: "No config file given, using built-in defaults",
		}
	}

	cfg, err := LoadEffectiveConfig(configPath)
	if err != nil {
		return DefaultConfig(), checkResult{
			Name:       "config_file",
			Status:     "fail",
			Message:    fmt.Sprintf("Config file could not be loaded: %s", configPath),
			Suggestion: fmt.Sprintf("Error: %v", err),
			IsCritical: true,
		}
	}

	return cfg, checkResult{
		Name:    "config_file",
		Status:  "pass",
		Message: fmt.Sprintf("Config file loaded: %s", configPath),
	}
}

// Check 2: the SQLite database directory exists and is writable.
func checkDatabasePath(cfg *Config, env checkEnv) checkResult {
	if cfg.DBPath == "" || cfg.DBPath == ":memory:" {
		return checkResult{Name: "database_path", Status: "skip"}
	}

	dir := filepath.Dir(cfg.DBPath)
	if _, err := env.Stat(dir); err != nil {
		return checkResult{
			Name:       "database_path",
			Status:     "fail",
			Message:    fmt.Sprintf("Database directory does not exist: %s", dir),
			Suggestion: fmt.Sprintf("Create it with: mkdir -p %s", dir),
			IsCritical: true,
		}
	}

	if err := env.WriteProbe(dir); err != nil {
		return checkResult{
			Name:       "database_path",
			Status:     "fail",
			Message:    fmt.Sprintf("Database directory is not writable: %s", dir),
			Suggestion: fmt.Sprintf("Error: %v", err),
			IsCritical: true,
		}
	}

	return checkResult{
		Name:    "database_path",
		Status:  "pass",
		Message: fmt.Sprintf("Database path writable: %s", cfg.DBPath),
	}
}

// Check 3: Redis answers on its configured address.
func checkRedis(cfg *Config, env checkEnv) checkResult {
	if cfg.RedisAddr == "" {
		return checkResult{Name: "redis", Status: "skip"}
	}

	if err := env.DialTimeout("tcp", cfg.RedisAddr, 2*time.Second); err != nil {
		return checkResult{
			Name:       "redis",
			Status:     "fail",
			Message:    fmt.Sprintf("Redis not reachable at %s", cfg.RedisAddr),
			Suggestion: fmt.Sprintf("Error: %v", err),
			IsCritical: true,
		}
	}

	return checkResult{
		Name:    "redis",
		Status:  "pass",
		Message: fmt.Sprintf("Redis reachable at %s", cfg.RedisAddr),
	}
}

// Check 4: the OTLP endpoint accepts connections. Forwarding is optional,
// so an unreachable endpoint is only a warning.
func checkOTLPEndpoint(cfg *Config, env checkEnv) checkResult {
	if cfg.OTLPEndpoint == "" {
		return checkResult{Name: "otlp_endpoint", Status: "skip"}
	}

	if err := env.DialTimeout("tcp", cfg.OTLPEndpoint, 2*time.Second); err != nil {
		return checkResult{
			Name:       "otlp_endpoint",
			Status:     "warn",
			Message:    fmt.Sprintf("Optional: OTLP endpoint not reachable at %s", cfg.OTLPEndpoint),
			Suggestion: "Traces will be retried until the collector comes up",
		}
	}

	return checkResult{
		Name:    "otlp_endpoint",
		Status:  "pass",
		Message: fmt.Sprintf("OTLP endpoint reachable at %s", cfg.OTLPEndpoint),
	}
}

// Check 5: the watched log file exists.
func checkLogFile(cfg *Config, env checkEnv) checkResult {
	if cfg.LogFile == "" {
		return checkResult{Name: "log_file", Status: "skip"}
	}

	info, err := env.Stat(cfg.LogFile)
	if err != nil {
		return checkResult{
			Name:       "log_file",
			Status:     "fail",
			Message:    fmt.Sprintf("Watched log file does not exist: %s", cfg.LogFile),
			Suggestion: "The log-file collector requires the file to exist at startup",
			IsCritical: true,
		}
	}
	if info.IsDir() {
		return checkResult{
			Name:       "log_file",
			Status:     "fail",
			Message:    fmt.Sprintf("Watched log path is a directory: %s", cfg.LogFile),
			IsCritical: true,
		}
	}

	return checkResult{
		Name:    "log_file",
		Status:  "pass",
		Message: fmt.Sprintf("Watched log file found: %s", cfg.LogFile),
	}
}
