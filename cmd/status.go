package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-bridge/pkg/protocol"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report daemon and agent session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
}

func runStatus() error {
	dataDir, err := resolveDataDir()
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}
	client, err := newAPIClient(dataDir)
	if err != nil {
		return fmt.Errorf("build api client: %w", err)
	}

	body, statusCode, err := client.get(protocol.RouteStatus)
	if err != nil {
		return unreachable("%v", err)
	}
	if statusCode >= 500 {
		return unreachable("daemon reported status %d", statusCode)
	}
	pretty, _ := json.MarshalIndent(body, "", "  ")
	fmt.Println(string(pretty))
	return nil
}
