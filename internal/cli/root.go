// Package cli implements the lipu command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/bryan-buckman/lipu/internal/config"
	"github.com/bryan-buckman/lipu/internal/engine"
	"github.com/bryan-buckman/lipu/internal/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Execute runs the root command with the process arguments.
func Execute() {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

type commandContext struct {
	configFlag  *string
	dataDirFlag *string

	configOnce sync.Once
	config     config.Config
	configErr  error

	logOutput io.Writer
}

func (c *commandContext) ensureConfig() (config.Config, error) {
	c.configOnce.Do(func() {
		path := strings.TrimSpace(*c.configFlag)
		if path == "" {
			path = config.DefaultPath()
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if dir := strings.TrimSpace(*c.dataDirFlag); dir != "" {
			cfg.DataDir = dir
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() (*logrus.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return logging.NewWithOutput(cfg.Log, c.logOutput), nil
}

// withEngine opens the library for the duration of fn. When save is set the
// library is written back after fn succeeds.
func (c *commandContext) withEngine(save bool, fn func(*engine.Engine) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	log, err := c.logger()
	if err != nil {
		return err
	}

	eng, err := engine.Open(engine.OptionsFromConfig(cfg), log)
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := fn(eng); err != nil {
		return err
	}
	if save {
		return eng.WriteToDisk()
	}
	return nil
}

// NewRootCommand builds the lipu command tree.
func NewRootCommand() *cobra.Command {
	var configFlag, dataDirFlag string
	ctx := &commandContext{
		configFlag:  &configFlag,
		dataDirFlag: &dataDirFlag,
		logOutput:   os.Stderr,
	}

	rootCmd := &cobra.Command{
		Use:           "lipu",
		Short:         "Aggregate feeds into a local library",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ctx.logOutput = cmd.ErrOrStderr()
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Library directory (overrides data_dir)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newFeedCommand(ctx))
	rootCmd.AddCommand(newRefreshCommand(ctx))
	rootCmd.AddCommand(newListCommand(ctx))
	rootCmd.AddCommand(newSearchCommand(ctx))
	rootCmd.AddCommand(newShowCommand(ctx))
	rootCmd.AddCommand(newTagCommand(ctx))
	rootCmd.AddCommand(newProgressCommand(ctx))
	rootCmd.AddCommand(newDownloadCommand(ctx))
	rootCmd.AddCommand(newOPMLCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
