package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lvzi316/mathviz/internal/config"
	"github.com/lvzi316/mathviz/internal/monitor"
	"github.com/lvzi316/mathviz/internal/sandbox"
	"github.com/lvzi316/mathviz/internal/storage"
	"github.com/lvzi316/mathviz/internal/validate"
)

var (
	configPath string
	policyPath string
	verbose    bool

	mode         string
	timeoutFlag  time.Duration
	memoryMB     int64
	artifactPath string
)

func main() {
	root := &cobra.Command{
		Use:   "mathviz",
		Short: "Sandboxed execution engine for generated Lua scripts",
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			level := zerolog.WarnLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
				Level(level).
				With().Timestamp().Logger()
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Config file (YAML)")
	root.PersistentFlags().StringVar(&policyPath, "policy", "", "Validation policy file (overrides config)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	execCmd := &cobra.Command{
		Use:   "exec [file]",
		Short: "Validate and execute a script, reading stdin when no file is given",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().StringVarP(&mode, "mode", "m", "", "Execution mode: restricted or isolated")
	execCmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "Wall clock limit (default from config)")
	execCmd.Flags().Int64Var(&memoryMB, "memory", 0, "Memory ceiling in MB (default from config)")
	execCmd.Flags().StringVarP(&artifactPath, "artifact", "o", "", "Where to write the artifact")
	root.AddCommand(execCmd)

	root.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Run static validation only and print the report",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runValidate,
	})

	root.AddCommand(&cobra.Command{
		Use:   "policy",
		Short: "Print the effective validation policy",
		RunE:  runPolicy,
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(configPath)
}

func loadPolicy(cfg *config.Config) (*validate.Policy, error) {
	path := policyPath
	if path == "" {
		path = cfg.Engine.PolicyFile
	}
	if path == "" {
		return validate.DefaultPolicy(), nil
	}
	return validate.LoadPolicy(path)
}

func readCode(args []string) (string, error) {
	if len(args) > 0 && args[0] != "-" {
		data, err := os.ReadFile(args[0]) // #nosec G304 -- path from CLI argument
		if err != nil {
			return "", fmt.Errorf("reading file: %w", err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}

func runExec(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	code, err := readCode(args)
	if err != nil {
		return err
	}

	policy, err := loadPolicy(cfg)
	if err != nil {
		return err
	}
	validator, err := validate.New(policy)
	if err != nil {
		return err
	}

	ctx := context.Background()

	if artifactPath == "" {
		artifactPath = filepath.Join(cfg.Engine.ArtifactDir, uuid.New().String()+".out")
		log.Debug().Str("artifact_path", artifactPath).Msg("no artifact destination given, defaulting")
	}

	sub := sandbox.CodeSubmission{
		Code:         code,
		ArtifactPath: artifactPath,
		Timeout:      timeoutFlag,
		MemoryBytes:  memoryMB << 20,
		Mode:         sandbox.Mode(mode),
	}
	if sub.Mode == "" {
		sub.Mode = sandbox.Mode(cfg.Engine.DefaultMode)
	}
	if sub.Timeout == 0 {
		sub.Timeout = cfg.Engine.DefaultTimeout
	}
	if sub.MemoryBytes == 0 {
		sub.MemoryBytes = cfg.Engine.DefaultMemoryMB << 20
	}
	if !sub.Mode.Valid() {
		return fmt.Errorf("unknown mode %q: must be restricted or isolated", sub.Mode)
	}

	opts := sandbox.ManagerOptions{Tracer: monitor.NewTracer()}

	if cfg.Metrics.Enabled {
		opts.Metrics = monitor.NewMetrics()
		go serveMetrics(cfg.Metrics, opts.Metrics)
	}

	if sub.Mode == sandbox.ModeIsolated {
		backend, err := sandbox.NewBackend(ctx, cfg)
		if err != nil {
			return err
		}
		opts.Isolated = backend
	}

	if cfg.Database.DSN != "" {
		db, err := storage.New(ctx, cfg.Database)
		if err != nil {
			log.Warn().Err(err).Msg("audit database unavailable, continuing without it")
		} else {
			defer db.Close()
			writer := storage.NewAuditWriter(db, 0)
			writer.Start()
			defer writer.Flush(5 * time.Second)
			opts.Audit = writer
		}
	}

	mgr := sandbox.NewManager(validator, opts)
	defer func() {
		if err := mgr.Close(); err != nil {
			log.Warn().Err(err).Msg("backend close failed")
		}
	}()

	res := mgr.ExecuteSubmission(ctx, sub)
	printJSON(res)

	if !res.Succeeded() {
		os.Exit(exitCodeFor(res.Status))
	}
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	code, err := readCode(args)
	if err != nil {
		return err
	}
	policy, err := loadPolicy(cfg)
	if err != nil {
		return err
	}
	validator, err := validate.New(policy)
	if err != nil {
		return err
	}

	report := validator.Validate(code)
	printJSON(report)

	if !report.Safe {
		os.Exit(2)
	}
	return nil
}

func runPolicy(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	policy, err := loadPolicy(cfg)
	if err != nil {
		return err
	}

	printJSON(policy.Report())
	return nil
}

// serveMetrics exposes the Prometheus registry while executions run.
// Listen failures are logged, not fatal: metrics are advisory.
func serveMetrics(cfg config.MetricsConfig, m *monitor.Metrics) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn().Err(err).Str("listen", cfg.Listen).Msg("metrics listener failed")
	}
}

func printJSON(v any) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}
	fmt.Println(string(formatted))
}

// exitCodeFor maps terminal statuses to distinct shell exit codes so
// callers can branch without parsing JSON.
func exitCodeFor(status sandbox.Status) int {
	switch status {
	case sandbox.StatusValidationFailed:
		return 2
	case sandbox.StatusRuntimeError:
		return 3
	case sandbox.StatusTimeout:
		return 4
	case sandbox.StatusResourceExceeded:
		return 5
	case sandbox.StatusContractViolation:
		return 6
	default:
		return 10
	}
}
