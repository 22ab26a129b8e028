package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/AeyeOps/sitesync/internal/config"
	"github.com/AeyeOps/sitesync/internal/logging"
	"github.com/AeyeOps/sitesync/internal/storage"
	"github.com/AeyeOps/sitesync/internal/version"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// isTTY checks if the current environment has a TTY available
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// NewRootCommand builds the sitesync command tree.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sitesync",
		Short: "Mirror websites into a local, versioned content store",
		Long: `Sitesync crawls configured sources through a durable SQLite task queue,
normalizes what it fetches into versioned assets, and reports on every
run. Interrupted crawls resume exactly where they stopped.`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to a configuration file (replaces the default/local pair)")
	flags.String("source", "", "Source profile to operate on (defaults to default_source)")
	flags.String("log-level", "", "Log level override (debug, info, warn, error)")
	flags.String("log-path", "", "Log file or directory override")
	for _, name := range []string{"config", "source", "log-level", "log-path"} {
		cobra.CheckErr(viper.BindPFlag(name, flags.Lookup(name)))
	}
	viper.SetEnvPrefix("SITESYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(newCrawlCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newAssetsCommand())
	rootCmd.AddCommand(newSourcesCommand())
	rootCmd.AddCommand(newReportCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// appContext is the loaded configuration, resolved output layout, and file
// logger shared by a single command invocation.
type appContext struct {
	cfg     *config.Config
	dirs    config.OutputDirs
	logger  logging.Logger
	logFile *logging.FileLogger
}

// loadApp reads configuration and opens the run log. Source resolution is
// left to the commands that need one so config inspection still works on a
// config with no sources.
func loadApp() (*appContext, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}

	levelText := cfg.Logging.Level
	if override := viper.GetString("log-level"); override != "" {
		levelText = override
	}
	level, err := logging.ParseLevel(levelText)
	if err != nil {
		return nil, err
	}

	logPath := cfg.Logging.Path
	if override := viper.GetString("log-path"); override != "" {
		logPath = override
	}
	logFile, err := logging.NewFileLogger(logging.ResolveLogPath(logPath), level)
	if err != nil {
		return nil, err
	}
	logger := logging.Logger(logFile)
	if cfg.Logging.Console {
		logger = logging.Multi(logFile, logging.NewWriterLogger(os.Stderr, level))
	}

	return &appContext{
		cfg:     cfg,
		dirs:    cfg.Outputs.Dirs(),
		logger:  logger,
		logFile: logFile,
	}, nil
}

func (a *appContext) Close() {
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

func (a *appContext) logPath() string {
	if a.logFile != nil {
		return a.logFile.Path()
	}
	return ""
}

// resolveSource picks the named source, falling back to the --source flag
// and then the configured default.
func (a *appContext) resolveSource(name string) (*config.SourceSettings, error) {
	if name == "" {
		name = viper.GetString("source")
	}
	return a.cfg.Source(name)
}

// sourceName resolves a source name for data commands without requiring the
// source to exist in the current config; captured data outlives config edits.
func (a *appContext) sourceName(arg string) (string, error) {
	if arg != "" {
		return arg, nil
	}
	if flag := viper.GetString("source"); flag != "" {
		return flag, nil
	}
	if a.cfg.DefaultSource != "" {
		return a.cfg.DefaultSource, nil
	}
	return "", errors.New("no source specified and no default_source configured")
}

// openStore opens the configured database, creating it when missing.
func openStore(ctx context.Context, cfg *config.Config) (*storage.Store, error) {
	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// openExistingStore refuses to create a database. Data commands inspect
// state that only a crawl can produce.
func openExistingStore(ctx context.Context, cfg *config.Config) (*storage.Store, error) {
	if _, err := os.Stat(cfg.Storage.Path); err != nil {
		return nil, fmt.Errorf("no database found at %s; run 'sitesync crawl' first", cfg.Storage.Path)
	}
	return openStore(ctx, cfg)
}

// outln writes one line to the command's stdout stream.
func outln(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format+"\n", args...)
}

// errln writes one line to the command's stderr stream.
func errln(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.ErrOrStderr(), format+"\n", args...)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the sitesync version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			outln(cmd, "sitesync %s", version.String())
		},
	}
}
