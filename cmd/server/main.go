package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/amanullahtanweer/audiosocket-captioner/internal/config"
)

var (
	logger     *log.Logger
	cfg        *config.Config
	configFile string
)

var rootCmd = &cobra.Command{
	Use:           "captioner",
	Short:         "Live captions for AudioSocket calls",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := configFile
		// the default file is optional; an explicit one is not
		if !cmd.Flags().Changed("config") {
			if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
				path = ""
			}
		}

		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
		logger = cfg.Logging.NewLogger(os.Stderr)
		log.SetDefault(logger)
		if path != "" {
			logger.Debug("Loaded configuration", "file", path)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().
		StringVarP(&configFile, "config", "c", "config.yaml", "Configuration file path")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(replayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal("Command failed", "err", err)
	}
}
