package main

import (
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"gamdam/internal/config"
)

// batchFlags collects the command-line overrides applied on top of the
// configuration file.
type batchFlags struct {
	configPath   string
	chdir        string
	failures     string
	jobs         int
	addurlOpts   string
	logLevel     string
	logFormat    string
	message      string
	save         bool
	noSave       bool
	noSaveOnFail bool
}

func newRootCommand() *cobra.Command {
	var flags batchFlags

	rootCmd := &cobra.Command{
		Use:   "gamdam [flags] [infile]",
		Short: "Download URLs en masse into a git-annex repository",
		Long: "gamdam reads download requests as JSON Lines, one object per line,\n" +
			"and feeds them to a git-annex addurl worker. Each request names a URL,\n" +
			"a relative destination path, and optionally metadata fields and\n" +
			"alternate URLs to attach after the download completes.",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			infile := "-"
			if len(args) == 1 {
				infile = args[0]
			}
			cfg, err := loadBatchConfig(cmd, &flags)
			if err != nil {
				return err
			}
			return runBatchFn(cmd, cfg, infile)
		},
	}

	rootCmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "Configuration file path")
	rootCmd.Flags().StringVarP(&flags.chdir, "chdir", "C", "", "Repository directory to download into")
	rootCmd.Flags().StringVarP(&flags.failures, "failures", "F", "", "File to write failed requests to, as JSON Lines")
	rootCmd.Flags().IntVarP(&flags.jobs, "jobs", "J", 0, "Parallel download jobs (0 selects one per CPU)")
	rootCmd.Flags().StringVar(&flags.addurlOpts, "addurl-opts", "", "Extra options for git-annex addurl, shell-quoted")
	rootCmd.Flags().StringVarP(&flags.logLevel, "log-level", "l", "", "Log level (off, error, warn, info, debug, trace)")
	rootCmd.Flags().StringVar(&flags.logFormat, "log-format", "", "Log format (auto, console, json)")
	rootCmd.Flags().StringVarP(&flags.message, "message", "m", "", "Commit message; {downloaded} expands to the success count")
	rootCmd.Flags().BoolVar(&flags.save, "save", false, "Commit the batch when it finishes")
	rootCmd.Flags().BoolVar(&flags.noSave, "no-save", false, "Do not commit the batch")
	rootCmd.Flags().BoolVar(&flags.noSaveOnFail, "no-save-on-fail", false, "Do not commit when any request failed")
	rootCmd.MarkFlagsMutuallyExclusive("save", "no-save")

	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}

// loadBatchConfig loads the configuration file and layers the flags the
// user actually set on top of it.
func loadBatchConfig(cmd *cobra.Command, flags *batchFlags) (*config.Config, error) {
	cfg, _, _, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if flags.chdir != "" {
		expanded, err := config.ExpandPath(flags.chdir)
		if err != nil {
			return nil, fmt.Errorf("resolve repository path: %w", err)
		}
		cfg.Paths.Repo = expanded
	}
	if flags.failures != "" {
		expanded, err := config.ExpandPath(flags.failures)
		if err != nil {
			return nil, fmt.Errorf("resolve failures path: %w", err)
		}
		cfg.Paths.FailuresFile = expanded
	}
	if cmd.Flags().Changed("jobs") {
		cfg.Downloads.Jobs = flags.jobs
	}
	if cmd.Flags().Changed("addurl-opts") {
		opts, err := shellquote.Split(flags.addurlOpts)
		if err != nil {
			return nil, fmt.Errorf("parse --addurl-opts: %w", err)
		}
		cfg.Downloads.AddurlOptions = opts
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = strings.ToLower(flags.logLevel)
	}
	if flags.logFormat != "" {
		cfg.Logging.Format = strings.ToLower(flags.logFormat)
	}
	if flags.message != "" {
		cfg.Commit.Message = flags.message
	}
	if flags.save {
		cfg.Commit.Save = true
	}
	if flags.noSave {
		cfg.Commit.Save = false
	}
	if flags.noSaveOnFail {
		cfg.Commit.SaveOnFail = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
