package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"

	"github.com/CZERTAINLY/shelltask/internal/log"
	"github.com/CZERTAINLY/shelltask/internal/model"
	"github.com/CZERTAINLY/shelltask/internal/service"
	"github.com/CZERTAINLY/shelltask/internal/shell"
	"github.com/CZERTAINLY/shelltask/internal/task"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	userConfigPath string // /default/config/path/shelltask on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagJSON           bool   // value of run/watch --json flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "shelltask")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is shelltask.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	runCmd.Flags().BoolVar(&flagJSON, "json", false, "print the JSON report of every run to stdout")
	watchCmd.Flags().BoolVar(&flagJSON, "json", false, "print the JSON report of every run to stdout")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initShelltask

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(shCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		var cfgErr *model.ConfigError
		if errors.As(err, &cfgErr) {
			for _, d := range cfgErr.Details {
				slog.Error("invalid config", d.Attr("detail"))
			}
		}
		slog.Error("shelltask failed", "err", err)
		var exitErr *task.ExitError
		if errors.As(err, &exitErr) && exitErr.Code > 0 && exitErr.Code < 126 {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "shelltask",
	Short:        "Runs commands and streams their output",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run reads the configuration and executes every task once",
	RunE:  doRun,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "watch executes the tasks repeatedly according to the configured schedule",
	RunE:  doWatch,
}

var shCmd = &cobra.Command{
	Use:   "sh -- command",
	Short: "sh runs a command through /bin/sh and prints its output lines",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doSh,
	// sh does not need a config file
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initLogging(flagVerbose)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a shelltask",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("shelltask: version info not available")
			return
		}

		fmt.Printf("shelltask: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	cfg := config
	cfg.Schedule = nil
	return supervise(cmd.Context(), "run", cfg)
}

func doWatch(cmd *cobra.Command, args []string) error {
	if config.Schedule == nil {
		return fmt.Errorf("watch requires a schedule in %s", configPath)
	}
	return supervise(cmd.Context(), "watch", config)
}

func supervise(ctx context.Context, name string, cfg model.Config) error {
	attrs := slog.Group("shelltask",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	console := &lockedWriter{w: os.Stdout}
	supervisor, err := service.NewSupervisor(ctx, cfg, console)
	if err != nil {
		return err
	}
	if flagJSON {
		supervisor = supervisor.WithUploaders(service.NewWriteUploader(console))
	}
	return supervisor.Do(ctx)
}

func doSh(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	for _, line := range shell.Run(ctx, strings.Join(args, " ")) {
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}

func initShelltask(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("SHELLTASKCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, "shelltask.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "shelltask.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		cfg, err := model.LoadConfig(f)
		if err != nil {
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
		config = *cfg
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Verbose = true
	}
	initLogging(config.Verbose)

	slog.Debug("shelltask run", "configPath", configPath)
	slog.Debug("shelltask run", "config", config)
	return nil
}

func initLogging(verbose bool) {
	slog.SetDefault(log.New(os.Stderr, verbose))
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// lockedWriter serializes the writes of concurrently drained streams.
type lockedWriter struct {
	mx sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.w.Write(p)
}
