// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/autobrr/pickarr/internal/buildinfo"
	"github.com/autobrr/pickarr/internal/config"
	"github.com/autobrr/pickarr/internal/search"
	"github.com/autobrr/pickarr/internal/services/finder"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "pickarr",
		Short: "Search movie indexers and pick the best release",
		Long: `pickarr - queries torznab proxies and private trackers in parallel,
merges their results and ranks every release against a quality profile.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunSearchCommand())
	rootCmd.AddCommand(RunIndexersCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
		pprofFlag bool
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path (default is OS-specific: ~/.config/pickarr/ or %APPDATA%\\pickarr\\)")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for database and profiles (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stderr)")
	command.Flags().BoolVar(&pprofFlag, "pprof", false, "enable pprof server on :6060")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, dataDir, logPath, pprofFlag)
		app.runServer()
	}

	return command
}

func RunSearchCommand() *cobra.Command {
	var (
		configDir string
		req       finder.SearchRequest
		asJSON    bool
		top       int
	)

	command := &cobra.Command{
		Use:   "search [title]",
		Short: "Search all indexers once and print the ranked releases",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.Query.Title = args[0]
			}

			app := NewApplication(configDir, "", "", false)
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			core, err := buildCore(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer core.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Config.Search.Deadline()+5*time.Second)
			defer cancel()

			resp, err := core.finder.SearchAll(ctx, req)
			if err != nil && !(errors.Is(err, search.ErrNoUsableClients) && resp != nil) {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(resp); encErr != nil {
					return encErr
				}
				return err
			}
			printSearch(cmd, resp, top)
			return err
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path")
	command.Flags().IntVar(&req.Query.Year, "year", 0, "release year")
	command.Flags().StringVar(&req.Query.IMDbID, "imdb", "", "IMDb id, e.g. tt0111161")
	command.Flags().IntVar(&req.Query.TMDbID, "tmdb", 0, "TMDb id")
	command.Flags().StringVar(&req.Profile, "profile", "", "quality profile id")
	command.Flags().StringSliceVar(&req.Indexers, "indexer", nil, "restrict the search to these indexer ids")
	command.Flags().BoolVar(&asJSON, "json", false, "print the full response as JSON")
	command.Flags().IntVar(&top, "top", 10, "number of releases to print")

	return command
}

func printSearch(cmd *cobra.Command, resp *finder.SearchResponse, top int) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d/%d indexers answered in %s, %d releases accepted, %d rejected\n",
		resp.Responded, resp.Total, resp.Duration.Round(time.Millisecond), len(resp.Releases), resp.Rejected)
	for _, e := range resp.Errors {
		fmt.Fprintf(out, "  %s: %s (%s)\n", e.ClientID, e.Message, e.Kind)
	}
	if len(resp.Releases) == 0 {
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tSCORE\tTIER\tSEEDS\tSIZE\tINDEXERS\tTITLE")
	for i, r := range resp.Releases {
		if top > 0 && i >= top {
			break
		}
		fmt.Fprintf(w, "%d\t%.1f\t%s\t%d\t%.2f GiB\t%s\t%s\n",
			i+1, r.Total, r.Tier, r.SeedCount(), float64(r.Size)/(1<<30), strings.Join(r.Sources, ","), r.Title)
	}
	w.Flush()
}

func RunIndexersCommand() *cobra.Command {
	var (
		configDir string
		check     bool
	)

	command := &cobra.Command{
		Use:   "indexers",
		Short: "List configured indexers and their health",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := NewApplication(configDir, "", "", false)
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			core, err := buildCore(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer core.Close()

			snapshots := core.finder.HealthSnapshots()
			if check {
				for i, snap := range snapshots {
					refreshed, err := core.finder.CheckHealth(cmd.Context(), snap.ID)
					if err != nil {
						return err
					}
					snapshots[i] = refreshed
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tCIRCUIT\tSTATUS\tUSED\tLAST ERROR")
			for _, snap := range snapshots {
				status := string(snap.LastStatus)
				if status == "" {
					status = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
					snap.ID, snap.Type, snap.CircuitState, status,
					snap.RateLimitUsage.Used, snap.RateLimitUsage.Limit, snap.LastError)
			}
			return w.Flush()
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path")
	command.Flags().BoolVar(&check, "check", false, "probe every indexer before printing")

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of pickarr",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/pickarr/config.toml
- Windows: %APPDATA%\pickarr\config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				configPath = filepath.Join(config.GetDefaultConfigDir(), "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return errors.Wrap(err, "failed to create configuration file")
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

