package cmd

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-bridge/pkg/protocol"
)

func openCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open",
		Short: "Open the web UI in the default browser",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOpen()
		},
	}
}

func runOpen() error {
	dataDir, err := resolveDataDir()
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}
	client, err := newAPIClient(dataDir)
	if err != nil {
		return fmt.Errorf("build api client: %w", err)
	}
	if _, statusCode, err := client.get(protocol.RouteStatus); err != nil || statusCode >= 500 {
		return unreachable("daemon not reachable at %s — run `goclawd start` first", client.baseURL)
	}

	url := client.baseURL
	if err := openBrowser(url); err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	fmt.Printf("opened %s\n", url)
	return nil
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}
