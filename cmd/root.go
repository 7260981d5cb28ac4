package cmd

import (
	"errors"
	"io/fs"
	"log"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"josephlewis.net/threadsh/core/config"
)

var (
	cfgPath string
	dataDir string
)

// loadConfig reads the configuration file, falling back to the built-in
// defaults when none exists.
func loadConfig() (*config.Configuration, error) {
	if cfgPath == "" {
		return config.Default(), nil
	}

	configuration, err := config.Load(afero.NewOsFs(), cfgPath)
	if errors.Is(err, fs.ErrNotExist) {
		log.Println("No config file found, using defaults. Run init to create one.")
		return config.Default(), nil
	}
	return configuration, err
}

// newSessionFs returns the filesystem sessions live on: a host directory
// when --data is given, otherwise a fresh in-memory one.
func newSessionFs() afero.Fs {
	if dataDir == "" {
		return afero.NewMemMapFs()
	}
	return afero.NewBasePathFs(afero.NewOsFs(), dataDir)
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "threadsh",
	Short: "A thread-backed shell",
	Long: `An interactive shell whose processes, pipelines and job control
are emulated entirely with cooperative threads instead of fork and signals.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "host directory backing the shell filesystem")
}
