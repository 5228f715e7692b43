package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/icarus10149/icarus-bounty-scanner/internal/scope"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/utils"
)

func NewConfigureCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Manage scanner.yaml and the scope file",
		Long: `Initialize, inspect and edit the scanner configuration under
<base>/config, and check that the scope file resolves to targets.`,
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default scanner.yaml and an example scope.yaml",
		Args:  cobra.NoArgs,
		RunE:  runConfigureInit,
	}
	initCmd.Flags().Bool("force", false, "Overwrite existing files without asking")
	cmd.AddCommand(initCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (secrets masked)",
		Args:  cobra.NoArgs,
		RunE:  runConfigureShow,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and resolve the scope",
		Args:  cobra.NoArgs,
		RunE:  runConfigureValidate,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a value in scanner.yaml",
		Long: `Set a value in scanner.yaml. Supports dotted keys (e.g. "vuln.batch_size")
and basic type parsing:
- booleans: true/false
- integers/floats: 10, 0.5
- durations (for keys containing ttl|timeout|interval|backoff): "30m", "10s"
- string lists: "a,b,c" -> ["a","b","c"]`,
		Args: cobra.ExactArgs(2),
		RunE: runConfigureSet,
	})
	return cmd
}

func scannerConfigPath() string {
	if f := viper.GetString("config"); f != "" {
		return f
	}
	return filepath.Join(viper.GetString("base_dir"), "config", "scanner.yaml")
}

func runConfigureInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	base := viper.GetString("base_dir")
	cfgPath := scannerConfigPath()
	scopePath := filepath.Join(base, models.DefaultConfig().ScopeFile)

	if ok, err := mayOverwrite(cfgPath, force); err != nil || !ok {
		return err
	}
	d := models.DefaultConfig()
	d.BaseDir = ""
	if err := writeYAMLFile(cfgPath, d); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	logrus.Infof("Configuration initialized: %s", cfgPath)

	if utils.FileExists(scopePath) && !force {
		logrus.Infof("Keeping existing scope file: %s", scopePath)
		return nil
	}
	example := scope.File{
		Program:    "example-program",
		Scope:      []string{"example.com", "*.example.org"},
		Exclusions: []string{"staging.example.com"},
	}
	if err := writeYAMLFile(scopePath, example); err != nil {
		return fmt.Errorf("failed to write scope file: %w", err)
	}
	logrus.Infof("Example scope written: %s", scopePath)
	return nil
}

func mayOverwrite(path string, force bool) (bool, error) {
	if force || !utils.FileExists(path) {
		return true, nil
	}
	logrus.Warnf("Configuration file already exists: %s", path)
	ok, err := confirmOverwrite(os.Stdin)
	if err != nil {
		return false, err
	}
	if !ok {
		logrus.Info("Configuration initialization cancelled")
	}
	return ok, nil
}

func runConfigureShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Notify.Token != "" {
		cfg.Notify.Token = utils.MaskSecret(cfg.Notify.Token)
	}
	fmt.Printf("# effective configuration (file: %s)\n", emptyIf(viper.ConfigFileUsed(), "none"))
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg)
}

func runConfigureValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	stores, err := scope.LoadPrograms(cfg.Path(cfg.ScopeFile), logrus.StandardLogger())
	if err != nil {
		return err
	}
	resolved := make([]int, len(stores))
	for i, store := range stores {
		targets, err := store.ResolvedTargets()
		if err != nil {
			return fmt.Errorf("program %s: %w", emptyIf(store.Program(), cfg.Program), err)
		}
		resolved[i] = len(targets)
	}
	fmt.Printf("%s configuration is valid\n", colorSuccess("✓"))
	for i, store := range stores {
		fmt.Printf("  program:   %s\n", emptyIf(store.Program(), cfg.Program))
		fmt.Printf("  targets:   %d (%d excluded or duplicate)\n", resolved[i], len(store.Targets())-resolved[i])
	}
	fmt.Printf("  recon:     %d tools\n", len(cfg.Recon.Tools))
	fmt.Printf("  vuln:      %d passes\n", len(cfg.Vuln.Tools))
	fmt.Printf("  notify:    %s\n", notifyTarget(cfg.Notify))
	return nil
}

func runConfigureSet(cmd *cobra.Command, args []string) error {
	key := strings.TrimSpace(args[0])
	path := scannerConfigPath()

	cfg, err := loadConfigFile(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	val := parseValueForKey(key, args[1])
	setNested(cfg, strings.Split(key, "."), val)

	if err := writeYAMLFile(path, cfg); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	logrus.Infof("Set %s = %v in %s", key, val, path)
	return nil
}

func loadConfigFile(path string) (map[string]interface{}, error) {
	cfg := map[string]interface{}{}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

func writeYAMLFile(path string, v interface{}) error {
	if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	return utils.WriteFileAtomic(path, 0o644, func(w io.Writer) error {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	})
}

func setNested(dst map[string]interface{}, keys []string, val interface{}) {
	if len(keys) == 0 {
		return
	}
	if len(keys) == 1 {
		dst[keys[0]] = val
		return
	}
	k := keys[0]
	child, ok := dst[k].(map[string]interface{})
	if !ok {
		child = map[string]interface{}{}
	}
	setNested(child, keys[1:], val)
	dst[k] = child
}

func parseValueForKey(key, s string) interface{} {
	trim := strings.TrimSpace(s)

	if strings.Contains(trim, ",") {
		parts := strings.Split(trim, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				out = append(out, t)
			}
		}
		return out
	}
	if b, err := strconv.ParseBool(trim); err == nil {
		return b
	}
	if i, err := strconv.Atoi(trim); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(trim, 64); err == nil {
		return f
	}
	if containsAny(strings.ToLower(key), []string{"ttl", "timeout", "interval", "backoff"}) {
		if d, err := time.ParseDuration(trim); err == nil {
			return d.String()
		}
	}
	return trim
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func emptyIf(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func confirmOverwrite(in io.Reader) (bool, error) {
	fmt.Print("Configuration file already exists. Overwrite? (y/N): ")
	resp, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	resp = strings.TrimSpace(resp)
	return resp == "y" || resp == "Y", nil
}
