package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gluk-w/vpsdeck/internal/config"
	"github.com/gluk-w/vpsdeck/internal/sshexec"
)

var (
	execHost     string
	execPort     int
	execUser     string
	execKeyFile  string
	execPassword string
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- <command> [command...]",
	Short: "Run commands on a host over a one-shot SSH connection",
	Long: `Run one or more commands on a host. Each argument is a separate command;
execution stops at the first command that exits nonzero.

The password can also be passed in VPSDECK_SSH_PASSWORD.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().StringVar(&execHost, "host", "", "host name or address")
	execCmd.Flags().IntVarP(&execPort, "port", "p", sshexec.DefaultPort, "SSH port")
	execCmd.Flags().StringVarP(&execUser, "user", "u", "root", "login user")
	execCmd.Flags().StringVarP(&execKeyFile, "key", "i", "", "private key file")
	execCmd.Flags().StringVar(&execPassword, "password", "", "login password")
}

func runExec(cmd *cobra.Command, args []string) error {
	if execHost == "" {
		return errors.New("--host is required")
	}
	password := execPassword
	if password == "" {
		password = os.Getenv("VPSDECK_SSH_PASSWORD")
	}
	var key string
	if execKeyFile != "" {
		data, err := os.ReadFile(execKeyFile)
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		key = string(data)
	}

	cs, err := sshexec.NewCredentialSet(execHost, execPort, execUser, password, key, os.Getenv("VPSDECK_SSH_PASSPHRASE"))
	if err != nil {
		return err
	}
	hostKeys, err := sshexec.HostKeyCallback(config.Cfg.KnownHostsPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	results, err := sshexec.Execute(ctx, cs, sshexec.DialOptions{
		Timeout:         config.Duration(config.Cfg.ExecConnectTimeout, sshexec.DefaultConnectTimeout),
		HostKeyCallback: hostKeys,
	}, args...)
	out := cmd.OutOrStdout()
	for i, res := range results {
		fmt.Fprintf(out, "$ %s\n", args[i])
		if res.Stdout != "" {
			fmt.Fprint(out, ensureNewline(res.Stdout))
		}
		if res.Stderr != "" {
			fmt.Fprint(cmd.ErrOrStderr(), ensureNewline(res.Stderr))
		}
	}
	return err
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
