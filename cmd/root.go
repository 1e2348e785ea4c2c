// File: cmd/root.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/spacegraph/internal/config"
	"github.com/xkilldash9x/spacegraph/internal/observability"
)

// Version is stamped by the build.
var Version = "0.1.0"

var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "spacegraph",
	Short:   "Spacegraph is a 3D semantic scene graph with negotiating object agents.",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 1. Read the config file and environment into Viper.
		if err := initializeConfig(); err != nil {
			return fmt.Errorf("failed to initialize configuration: %w", err)
		}

		// 2. Load the configuration singleton over the defaults.
		if err := config.Load(viper.GetViper()); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg := config.Get()

		// 3. Initialize the logger.
		observability.InitializeLogger(cfg.Logger)
		logger := observability.GetLogger()
		logger.Debug("Starting spacegraph", zap.String("version", Version))

		return nil
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. It accepts a context passed from main.go for graceful
// shutdown.
func Execute(ctx context.Context) error {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger := observability.GetLogger(); logger != nil {
			// context.Canceled during shutdown is expected, not a failure.
			if ctx.Err() == nil {
				logger.Error("Command execution failed", zap.Error(err))
			}
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newAskCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newExportCmd())
}

// initializeConfig reads in the config file and ENV variables if set.
func initializeConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SPACEGRAPH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and environment carry it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}
