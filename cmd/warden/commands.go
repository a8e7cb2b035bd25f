package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/warden/internal/config"
	"github.com/haasonsaas/warden/internal/journal"
)

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// A missing file falls back to defaults plus env overrides.
			cfg, err = config.Load("")
			if err != nil {
				return nil, &configError{err: err}
			}
			return cfg, nil
		}
		return nil, &configError{err: err}
	}
	return cfg, nil
}

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Scaffold the runtime data directories",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dirs := []string{
				cfg.Paths.DataDir,
				cfg.Paths.ToolsDir,
				filepath.Dir(cfg.Paths.JournalDB),
				filepath.Dir(cfg.Paths.AuditLog),
				backupDir(cfg),
			}
			for _, dir := range dirs {
				if dir == "" || dir == "." {
					continue
				}
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("create %s: %w", dir, err)
				}
			}
			// Touch the journal so start finds a valid schema.
			j, err := journal.Open(cfg.Paths.JournalDB)
			if err != nil {
				return err
			}
			defer j.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "initialized", cfg.Paths.DataDir)
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report runtime health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "journal:", cfg.Paths.JournalDB)
			fmt.Fprintln(out, "audit:  ", cfg.Paths.AuditLog)

			j, err := journal.Open(cfg.Paths.JournalDB)
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer j.Close()
			unfinished, err := j.UnfinishedTasks()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "unfinished tasks: %d\n", len(unfinished))
			return nil
		},
	}
}

func newResetCommand() *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Recreate the runtime sandbox",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !confirmed {
				return &configError{err: fmt.Errorf("reset deletes %s; re-run with --yes", cfg.Paths.DataDir)}
			}
			if err := os.RemoveAll(cfg.Paths.DataDir); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.Paths.ToolsDir, 0o700); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reset", cfg.Paths.DataDir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "confirm deletion")
	return cmd
}

func backupDir(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.DataDir, "backups")
}

func newBackupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage journal snapshots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			name := fmt.Sprintf("journal-%s.db", time.Now().UTC().Format("20060102-150405"))
			dst := filepath.Join(backupDir(cfg), name)
			if err := os.MkdirAll(backupDir(cfg), 0o700); err != nil {
				return err
			}
			if err := copyFile(cfg.Paths.JournalDB, dst); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "backed up to", dst)
			return nil
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List journal snapshots",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				names, err := listBackups(cfg)
				if err != nil {
					return err
				}
				for i, name := range names {
					fmt.Fprintf(cmd.OutOrStdout(), "%d: %s\n", i+1, name)
				}
				if len(names) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no backups")
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "restore [N]",
			Short: "Restore journal snapshot N (from backup list)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return &configError{err: fmt.Errorf("backup index: %w", err)}
				}
				names, err := listBackups(cfg)
				if err != nil {
					return err
				}
				if n < 1 || n > len(names) {
					return &configError{err: fmt.Errorf("backup %d does not exist (%d available)", n, len(names))}
				}
				src := filepath.Join(backupDir(cfg), names[n-1])
				if err := copyFile(src, cfg.Paths.JournalDB); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "restored", names[n-1])
				return nil
			},
		},
	)
	return cmd
}

func listBackups(cfg *config.Config) ([]string, error) {
	entries, err := os.ReadDir(backupDir(cfg))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "journal-") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}
