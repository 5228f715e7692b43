package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/icarus10149/icarus-bounty-scanner/cmd/icarus/commands"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/utils"
)

var (
	version   = "1.0.0"
	commit    = "unknown"
	buildDate = "unknown"
)

// Exit codes. A run that wrote a report exits 0 even when degraded.
const (
	exitOK        = 0
	exitFailure   = 1
	exitConfig    = 2
	exitThrottled = 3
	exitNoOutput  = 4
)

var rootCmd = &cobra.Command{
	Use:           "icarus",
	Short:         "Icarus - bug bounty scan orchestrator",
	Long:          "Icarus drives external recon and vulnerability scanners over a program's scope, caches their results and writes one deduplicated report per run.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return err
		}
		if err := initLogging(); err != nil {
			return err
		}
		if err := ensureDirs(); err != nil {
			logrus.Warnf("Failed to ensure directories: %v", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is <base>/config/scanner.yaml)")
	rootCmd.PersistentFlags().String("base-dir", "", "base directory holding config/, cache/, logs/ and output/")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().String("log-file", "", "log file path (default is <base>/logs/icarus.log)")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "only log to file, print nothing but the summary")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("base_dir", rootCmd.PersistentFlags().Lookup("base-dir"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("log.file", rootCmd.PersistentFlags().Lookup("log-file"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))

	rootCmd.AddCommand(commands.NewScanCommand())
	rootCmd.AddCommand(commands.NewCacheCommand())
	rootCmd.AddCommand(commands.NewOutputCommand())
	rootCmd.AddCommand(commands.NewConfigureCommand())
	rootCmd.AddCommand(commands.NewVersionCommand(version, commit, buildDate))

	rootCmd.InitDefaultCompletionCmd()
	rootCmd.SetVersionTemplate(fmt.Sprintf("Icarus %s (commit %s, built %s)\n", version, commit, buildDate))
}

func initConfig() error {
	commands.SetDefaults()
	viper.SetEnvPrefix("ICARUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	base, err := resolveBaseDir(viper.GetString("base_dir"))
	if err != nil {
		return err
	}
	viper.Set("base_dir", base)

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(filepath.Join(base, "config"))
		viper.SetConfigName("scanner")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return models.NewConfigError("config", "read %s: %v", viper.ConfigFileUsed(), err)
		}
		logrus.Debugf("No scanner.yaml under %s, using defaults", base)
	} else {
		logrus.Debugf("Using config file: %s", viper.ConfigFileUsed())
	}
	return nil
}

// resolveBaseDir picks, in order: an explicit directory, /app (container
// layout), the working directory when it already has config/, logs/ and
// output/, and finally ~/.icarus.
func resolveBaseDir(explicit string) (string, error) {
	if explicit != "" {
		return filepath.Abs(explicit)
	}
	if fi, err := os.Stat("/app"); err == nil && fi.IsDir() {
		return "/app", nil
	}
	if wd, err := os.Getwd(); err == nil && hasLayout(wd) {
		return wd, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".icarus"), nil
}

func hasLayout(dir string) bool {
	for _, m := range []string{"config", "logs", "output"} {
		if fi, err := os.Stat(filepath.Join(dir, m)); err != nil || !fi.IsDir() {
			return false
		}
	}
	return true
}

func initLogging() error {
	var lc utils.LogConfig
	if err := viper.UnmarshalKey("log", &lc); err != nil {
		return models.NewConfigError("log", "%v", err)
	}
	if lc.FileLocation == "" {
		lc.FileLocation = filepath.Join(viper.GetString("base_dir"), "logs", "icarus.log")
	}
	if viper.GetBool("quiet") {
		lc.Output = "file"
	}

	logger, err := utils.NewLogger(lc, "icarus", version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize structured logger, falling back: %v\n", err)
		logger = utils.DefaultLogger()
	}

	logrus.SetOutput(logger.Out)
	logrus.SetLevel(logger.Level)
	logrus.SetFormatter(logger.Formatter)
	for _, hooks := range logger.Hooks {
		for _, h := range hooks {
			logrus.AddHook(h)
		}
	}
	return nil
}

func ensureDirs() error {
	base := viper.GetString("base_dir")
	for _, d := range []string{"config", "logs", "output", "cache"} {
		if err := utils.EnsureDir(filepath.Join(base, d)); err != nil {
			return fmt.Errorf("ensure dir %s: %w", d, err)
		}
	}
	return nil
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, models.ErrConfig):
		return exitConfig
	case errors.Is(err, models.ErrRunThrottled):
		return exitThrottled
	case errors.Is(err, models.ErrNoOutput):
		return exitNoOutput
	default:
		return exitFailure
	}
}

func main() {
	startTime := time.Now()
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	logrus.Debugf("Execution completed in %v (%s/%s)", time.Since(startTime), runtime.GOOS, runtime.GOARCH)
	os.Exit(exitCode(err))
}
