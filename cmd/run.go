package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"josephlewis.net/threadsh/core/shell"
)

// runCmd evaluates a command line non-interactively, like sh -c.
var runCmd = &cobra.Command{
	Use:   "run COMMAND...",
	Short: "Run a command line and exit.",
	Args:  cobra.MinimumNArgs(1),
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

		session.RunRcFile()
		code := session.RunCommand(strings.Join(args, " "))
		if code != 0 {
			return fmt.Errorf("exit status %d", code)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
