package cmd

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"josephlewis.net/threadsh/core/shell"
)

// shellCmd starts an interactive session on the local terminal.
var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start an interactive session.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		configuration, err := loadConfig()
		if err != nil {
			return err
		}

		session, err := shell.NewSession(configuration, newSessionFs(), shell.TerminalOptions{
			Stdin:  os.Stdin,
			Stdout: os.Stdout,
			Stderr: os.Stderr,
		})
		if err != nil {
			return err
		}

		// Ctrl-C outside the prompt kills the foreground job.
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt)
		defer signal.Stop(sigs)
		go func() {
			for range sigs {
				_ = session.Engine.InterruptCurrent()
			}
		}()

		session.RunRcFile()
		os.Exit(session.Interactive())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(shellCmd)
}
