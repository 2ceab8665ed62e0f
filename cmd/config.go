package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/config"
)

func configCmd() *cobra.Command {
	var showPath bool
	c := &cobra.Command{
		Use:   "config",
		Short: "View or edit the daemon's settings.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			if showPath {
				dataDir, err := resolveDataDir()
				if err != nil {
					return fmt.Errorf("resolve data dir: %w", err)
				}
				fmt.Println(dataDir + "/settings.json")
				return nil
			}
			return runConfig()
		},
	}
	c.Flags().BoolVar(&showPath, "path", false, "print the settings.json path and exit")
	return c
}

func runConfig() error {
	dataDir, err := resolveDataDir()
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return invalidArgs("create data dir %q: %v", dataDir, err)
	}

	cfg, err := config.Load(dataDir, nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	workspaceDir := cfg.WorkspaceDir
	gatewayPort := fmt.Sprintf("%d", cfg.Gateway.Port)
	sweepExpr := cfg.Cron.SweepExpression

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Workspace directory").
				Value(&workspaceDir),
			huh.NewInput().
				Title("Gateway port").
				Value(&gatewayPort),
			huh.NewInput().
				Title("Supervisor sweep cron expression").
				Value(&sweepExpr),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("config form: %w", err)
	}

	cfg.WorkspaceDir = workspaceDir
	cfg.Cron.SweepExpression = sweepExpr
	if _, err := fmt.Sscanf(gatewayPort, "%d", &cfg.Gateway.Port); err != nil {
		return invalidArgs("gateway port %q is not a number", gatewayPort)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	settingsPath := dataDir + "/settings.json"
	if err := os.WriteFile(settingsPath, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	fmt.Printf("wrote %s\n", settingsPath)
	return nil
}
