package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/spullara/k7/pkg/client"
)

var shellCommandFlag string

var shellCmd = &cobra.Command{
	Use:   "shell <name>",
	Short: "Open an interactive shell in a sandbox",
	Long: `Open an interactive shell inside the sandbox.

The session rides the orchestrator's control plane, so it works even when the
sandbox's network ingress is fully locked down.`,
	Args: cobra.ExactArgs(1),
	Example: `  k7 shell demo

  # A different shell
  k7 shell demo --command bash`,
	RunE: runShell,
}

func init() {
	shellCmd.Flags().StringVar(&shellCommandFlag, "command", "sh", "Shell to run inside the sandbox")
	rootCmd.AddCommand(shellCmd)
}

func runShell(cmd *cobra.Command, args []string) error {
	stdinFd := int(os.Stdin.Fd())
	isTerminal := term.IsTerminal(stdinFd)

	opts := client.ShellOptions{
		Command: shellCommandFlag,
		TTY:     isTerminal,
	}
	if isTerminal {
		if cols, rows, err := term.GetSize(stdinFd); err == nil {
			opts.Cols, opts.Rows = cols, rows
		}
	}

	// The context only bounds the dial; the session itself has no deadline.
	ctx, cancel := getContext()
	session, err := getAPIClient().Sandbox.Shell(ctx, getNamespace(), args[0], opts)
	cancel()
	if err != nil {
		return err
	}
	defer session.Close()

	var restore func()
	if isTerminal {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("failed to put terminal into raw mode: %w", err)
		}
		restore = func() { term.Restore(stdinFd, oldState) }
		defer restore()

		winch := make(chan os.Signal, 1)
		signal.Notify(winch, unix.SIGWINCH)
		defer signal.Stop(winch)
		go func() {
			for range winch {
				if cols, rows, err := term.GetSize(stdinFd); err == nil {
					session.Resize(cols, rows)
				}
			}
		}()
	}

	go io.Copy(session, os.Stdin)
	io.Copy(os.Stdout, session)

	exitCode := session.Wait()
	if exitCode != 0 {
		if restore != nil {
			restore()
		}
		os.Exit(exitCode)
	}
	return nil
}
