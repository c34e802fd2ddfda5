package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"wholesync/src/log"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "wholesync",
	Short: "Catalog sync and wholesale price jobs for Mercado Livre sellers",
	Long: `wholesync keeps a local copy of each connected seller's catalog and pushes
wholesale tier prices back to the marketplace. Work runs as background jobs
whose progress is recorded per item.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to load env file: %w", err)
			}
		}
		return log.Setup(viper.GetBool("log.development"))
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file loaded before reading the environment")
	settingDefaultConfig()
}
