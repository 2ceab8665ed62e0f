package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/config"
)

// knownChannelKinds are the channel adapter modules this build links.
var knownChannelKinds = []string{"discord", "telegram", "simulator"}

func moduleCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "module",
		Short: "List and enable/disable channel adapter modules",
	}
	c.AddCommand(moduleListCmd())
	c.AddCommand(moduleEnableCmd())
	c.AddCommand(moduleDisableCmd())
	return c
}

func moduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List channel adapter modules and their enabled state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModuleList()
		},
	}
}

func moduleEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <kind>",
		Short: "Enable a channel adapter module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModuleSetEnabled(args[0], true)
		},
	}
}

func moduleDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <kind>",
		Short: "Disable a channel adapter module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModuleSetEnabled(args[0], false)
		},
	}
}

func isKnownChannelKind(kind string) bool {
	for _, k := range knownChannelKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func runModuleList() error {
	dataDir, err := resolveDataDir()
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}
	cfg, err := config.Load(dataDir, nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	kinds := make([]string, 0, len(knownChannelKinds))
	kinds = append(kinds, knownChannelKinds...)
	sort.Strings(kinds)

	nameWidth := 0
	for _, kind := range kinds {
		if w := runewidth.StringWidth(kind); w > nameWidth {
			nameWidth = w
		}
	}
	for _, kind := range kinds {
		chCfg, configured := cfg.Channels[kind]
		state := "disabled"
		if configured && chCfg.Enabled {
			state = "enabled"
		}
		pad := strings.Repeat(" ", nameWidth-runewidth.StringWidth(kind)+2)
		fmt.Printf("%s%s%s\n", kind, pad, state)
	}
	return nil
}

func runModuleSetEnabled(kind string, enabled bool) error {
	if !isKnownChannelKind(kind) {
		return invalidArgs("unknown channel module %q (known: %v)", kind, knownChannelKinds)
	}

	dataDir, err := resolveDataDir()
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}
	cfg, err := config.Load(dataDir, nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Channels == nil {
		cfg.Channels = map[string]config.ChannelConfig{}
	}
	chCfg := cfg.Channels[kind]
	chCfg.Kind = kind
	chCfg.Enabled = enabled
	cfg.Channels[kind] = chCfg

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.WriteFile(dataDir+"/settings.json", data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	fmt.Printf("%s module %s\n", kind, map[bool]string{true: "enabled", false: "disabled"}[enabled])
	return nil
}
