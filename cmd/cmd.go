/*
	Tracklore
	Copyright (c) 2025 Tracklore Authors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package trcmd facilitates the command line interface (CLI)
// and implements the main().
package trcmd

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/tracklore/tracklore/timeline"
	"go.uber.org/zap"
)

// Version is set at build time via -ldflags.
var Version = "devel"

func Main() {
	flag.Parse()

	cfg, err := loadConfigFile()
	if err != nil {
		timeline.Log.Fatal("failed loading config", zap.Error(err))
	}
	if repoDir != "" {
		cfg.Repository = repoDir
	}
	if cfg.Repository == "" {
		cfg.Repository = defaultRepoDir()
	}

	subCommand, subCommandFunc := getSubcommand(cfg)
	if subCommandFunc == nil {
		fmt.Println(commandLineHelp)
		os.Exit(1)
	}

	if err := checkFlagParsing(); err != nil {
		timeline.Log.Fatal("possible syntax error detected", zap.Error(err))
	}

	// a second interrupt kills the process the hard way
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := subCommandFunc(ctx); err != nil {
		timeline.Log.Fatal("subcommand failed",
			zap.String("subcommand", subCommand),
			zap.Error(err))
	}
}

func getSubcommand(cfg *Config) (string, func(context.Context) error) {
	standardCommands := map[string]func(context.Context) error{
		"export": func(ctx context.Context) error {
			if flag.Arg(1) == "" {
				return errors.New("export requires a destination directory argument")
			}
			return withTimeline(ctx, cfg, func(tl *timeline.Timeline) error {
				exportType := timeline.ExportTypeFull
				if incremental {
					exportType = timeline.ExportTypeIncremental
				}
				summary, err := tl.Export(ctx, timeline.ExportOptions{
					To:       flag.Arg(1),
					Type:     exportType,
					Compress: compress,
				})
				if err != nil {
					return err
				}
				return printSummary(summary)
			})
		},
		"import": func(ctx context.Context) error {
			if flag.Arg(1) == "" {
				return errors.New("import requires a snapshot directory or archive argument")
			}
			return withTimeline(ctx, cfg, func(tl *timeline.Timeline) error {
				summary, err := tl.StartImport(ctx, flag.Arg(1), nil)
				if errors.Is(err, timeline.ErrPartialImportExists) {
					return fmt.Errorf("%w; run 'resume' or 'abandon' first", err)
				}
				if err != nil {
					return err
				}
				return printSummary(summary)
			})
		},
		"resume": func(ctx context.Context) error {
			return withTimeline(ctx, cfg, func(tl *timeline.Timeline) error {
				summary, err := tl.ResumeImport(ctx, nil)
				if err != nil {
					return err
				}
				return printSummary(summary)
			})
		},
		"abandon": func(ctx context.Context) error {
			return withTimeline(ctx, cfg, func(tl *timeline.Timeline) error {
				return tl.AbandonImport(ctx)
			})
		},
		"migrate-legacy": func(ctx context.Context) error {
			if legacyTimelineDB == "" || legacySamplesDB == "" {
				return errors.New("migrate-legacy requires -legacy-timeline-db and -legacy-samples-db")
			}
			opts := timeline.LegacyMigrationOptions{
				TimelineDB: legacyTimelineDB,
				SamplesDB:  legacySamplesDB,
			}
			var err error
			if opts.Start, err = parseDateFlag(rangeStart); err != nil {
				return fmt.Errorf("bad -start: %w", err)
			}
			if opts.End, err = parseDateFlag(rangeEnd); err != nil {
				return fmt.Errorf("bad -end: %w", err)
			}
			return withTimeline(ctx, cfg, func(tl *timeline.Timeline) error {
				summary, err := tl.MigrateLegacy(ctx, opts)
				if err != nil {
					return err
				}
				return printSummary(summary)
			})
		},
		"fake": func(ctx context.Context) error {
			return withTimeline(ctx, cfg, func(tl *timeline.Timeline) error {
				return tl.GenerateFakeData(ctx, timeline.FakeDataOptions{Days: fakeDays})
			})
		},
		"version": func(_ context.Context) error {
			fmt.Println("tracklore", Version)
			return nil
		},
		"help": func(_ context.Context) error {
			fmt.Println(commandLineHelp)
			return nil
		},
	}

	if len(flag.Args()) > 0 {
		subCommand := flag.Arg(0)
		if subCommandFunc, ok := standardCommands[subCommand]; ok {
			return subCommand, subCommandFunc
		}
	}
	return "", nil
}

// withTimeline opens (or creates) the configured repository, runs fn,
// and closes the repository even if fn fails.
func withTimeline(ctx context.Context, cfg *Config, fn func(*timeline.Timeline) error) error {
	var tl *timeline.Timeline
	var err error
	if timeline.FileExists(filepath.Join(cfg.Repository, timeline.DBFilename)) {
		tl, err = timeline.Open(ctx, cfg.Repository)
	} else {
		tl, err = timeline.Create(ctx, cfg.Repository)
	}
	if err != nil {
		return fmt.Errorf("opening repository %s: %w", cfg.Repository, err)
	}
	defer tl.Close()
	return fn(tl)
}

func printSummary(summary *timeline.MigrationSummary) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func parseDateFlag(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", s)
}

// checkFlagParsing returns an error if it looks like the program was
// invoked with flags after the subcommand, where the flag package
// silently treats them as positional arguments, e.g.
// `tracklore export -compress /backups`
// instead of
// `tracklore -compress export /backups`.
func checkFlagParsing() error {
	if len(os.Args) > 2 && flag.NFlag() == 0 {
		return errors.New("it looks like you intended to specify flags, but none were parsed; make sure flags go before positional arguments")
	}
	return nil
}

// Config is the on-disk CLI configuration.
type Config struct {
	// Repository is the path of the timeline repository directory.
	Repository string `json:"repository,omitempty"`
}

func loadConfigFile() (*Config, error) {
	cfgBytes, err := os.ReadFile(configFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if configFile == defaultConfigFilePath() {
				err = nil
			}
			return new(Config), err
		}
		return nil, err
	}
	var cfg *Config
	err = json.Unmarshal(cfgBytes, &cfg)
	return cfg, err
}

func defaultConfigFilePath() string {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(cfgDir, "tracklore", "config.json")
}

func defaultRepoDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tracklore-repo"
	}
	return filepath.Join(home, "tracklore")
}

var (
	configFile       = defaultConfigFilePath()
	repoDir          string
	compress         bool
	incremental      bool
	fakeDays         int
	legacyTimelineDB string
	legacySamplesDB  string
	rangeStart       string
	rangeEnd         string
)

func init() {
	flag.StringVar(&configFile, "config", configFile, "path of config file")
	flag.StringVar(&repoDir, "repo", "", "path of the timeline repository (overrides config)")
	flag.BoolVar(&compress, "compress", false, "gzip snapshot bucket files on export")
	flag.BoolVar(&incremental, "incremental", false, "do an incremental export into the destination's 'current' snapshot")
	flag.IntVar(&fakeDays, "days", 7, "days of fake history to generate")
	flag.StringVar(&legacyTimelineDB, "legacy-timeline-db", "", "path of the legacy timeline database (places and items)")
	flag.StringVar(&legacySamplesDB, "legacy-samples-db", "", "path of the legacy samples database")
	flag.StringVar(&rangeStart, "start", "", "migrate only rows on or after this date (YYYY-MM-DD)")
	flag.StringVar(&rangeEnd, "end", "", "migrate only rows before this date (YYYY-MM-DD)")
}

const commandLineHelp = `Tracklore preserves and migrates your location timeline.

Usage: tracklore [flags] <command> [args]

Commands:
  export <dir>      write a snapshot of the repository to <dir>
  import <source>   import a snapshot directory or archive
  resume            resume an interrupted import
  abandon           discard an interrupted import
  migrate-legacy    migrate a legacy database pair (see -legacy-* flags)
  fake              fill the repository with synthetic data
  version           print the version
  help              print this help

Flags go before the command, e.g. tracklore -compress export /backups`
