package cmd

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/config"
)

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop()
		},
	}
}

func runStop() error {
	dataDir, err := resolveDataDir()
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}

	pid, found, err := config.ReadPidFile(dataDir)
	if err != nil {
		return fmt.Errorf("read pid file: %w", err)
	}
	if !found {
		return unreachable("no daemon.pid found under %s — is goclawd running?", dataDir)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return unreachable("find process %d: %v", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if err == os.ErrProcessDone {
			config.RemovePidFile(dataDir)
			fmt.Println("daemon already stopped")
			return nil
		}
		return unreachable("signal process %d: %v", pid, err)
	}

	for i := 0; i < 100; i++ {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			fmt.Println("daemon stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return unreachable("daemon did not exit within 10s of SIGTERM")
}
