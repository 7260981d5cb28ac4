package cmd

import (
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"josephlewis.net/threadsh/core/sshd"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve shell sessions over SSH on a local port.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		log.Println("Initializing server...")

		configuration, err := loadConfig()
		if err != nil {
			return err
		}

		logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))

		server, err := sshd.New(configuration, newSessionFs(), logger)
		if err != nil {
			return err
		}

		go func() {
			if err := server.ListenAndServe(); err != nil {
				log.Fatal(err)
			}
		}()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigs
		log.Printf("Got signal %q, terminating...", sig)

		return server.Close()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
