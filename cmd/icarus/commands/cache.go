package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/icarus10149/icarus-bounty-scanner/internal/storage"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/utils"
)

func NewCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the tool result cache",
		Long:  `Show result cache usage and scan history, prune expired entries or clear the cache.`,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache usage and per-program scan history",
		RunE:  runCacheStats,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Remove expired and unreadable cache entries",
		RunE:  runCachePrune,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cache entry",
		RunE:  runCacheClear,
	})

	reset := &cobra.Command{
		Use:   "reset-history <program>",
		Short: "Forget a program's scan history so the next run is not throttled",
		Args:  cobra.ExactArgs(1),
		RunE:  runCacheResetHistory,
	}
	cmd.AddCommand(reset)
	return cmd
}

func openCache() (*models.Config, *storage.ResultCache, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	cache, err := storage.NewResultCache(cfg.Path(cfg.Cache.Dir), cfg.Cache.TTL, cfg.Cache.Compress, nil, logrus.StandardLogger())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open cache: %w", err)
	}
	return cfg, cache, nil
}

func openHistory(cfg *models.Config) (*storage.ScanHistory, error) {
	path := filepath.Join(cfg.Path(cfg.Cache.Dir), "scan_history.json")
	return storage.NewScanHistory(path, cfg.History.DailyLimit, cfg.History.MinInterval, logrus.StandardLogger())
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	cfg, cache, err := openCache()
	if err != nil {
		return err
	}
	entries, size, err := cache.Usage()
	if err != nil {
		return fmt.Errorf("failed to read cache: %w", err)
	}

	fmt.Println("Cache Statistics:")
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Printf("Directory:   %s\n", cfg.Path(cfg.Cache.Dir))
	fmt.Printf("Entries:     %d\n", entries)
	fmt.Printf("Size:        %s\n", utils.HumanizeBytes(size))
	fmt.Printf("Default TTL: %s\n", cfg.Cache.TTL)
	fmt.Printf("Compressed:  %v\n", cfg.Cache.Compress)

	history, err := openHistory(cfg)
	if err != nil {
		return fmt.Errorf("failed to read scan history: %w", err)
	}
	programs := history.Programs()
	if len(programs) == 0 {
		return nil
	}

	fmt.Println("\nScan History:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROGRAM\tLAST SCAN\tTODAY\tSTATUS")
	today := time.Now().UTC().Format("2006-01-02")
	for _, p := range programs {
		h, _ := history.Get(p)
		status := colorSuccess("ready")
		if cfg.History.Enabled {
			if err := history.Check(p); err != nil {
				status = colorWarn("throttled")
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", p, humanAge(h.LastScan), h.Daily[today], status)
	}
	return w.Flush()
}

func runCachePrune(cmd *cobra.Command, args []string) error {
	_, cache, err := openCache()
	if err != nil {
		return err
	}
	n, err := cache.Prune()
	if err != nil {
		return fmt.Errorf("failed to prune cache: %w", err)
	}
	logrus.Infof("Pruned %d cache entries", n)
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	_, cache, err := openCache()
	if err != nil {
		return err
	}
	if err := cache.Clear(); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	logrus.Info("Cache cleared")
	return nil
}

func runCacheResetHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	history, err := openHistory(cfg)
	if err != nil {
		return fmt.Errorf("failed to read scan history: %w", err)
	}
	if err := history.Reset(args[0]); err != nil {
		return fmt.Errorf("failed to reset history: %w", err)
	}
	logrus.Infof("Scan history for %s reset", args[0])
	return nil
}
