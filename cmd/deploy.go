package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"text/template"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

func deployCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy",
		Short: "Install goclawd as a system service (systemd/launchd)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy()
		},
	}
}

func runDeploy() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	var confirm bool
	switch runtime.GOOS {
	case "darwin":
		err = huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title("Install a launchd user agent at ~/Library/LaunchAgents/com.goclawd.daemon.plist?").
				Value(&confirm),
		)).Run()
	case "linux":
		err = huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title("Install a systemd user unit at ~/.config/systemd/user/goclawd.service?").
				Value(&confirm),
		)).Run()
	default:
		return invalidArgs("deploy is not supported on %s", runtime.GOOS)
	}
	if err != nil {
		return fmt.Errorf("deploy form: %w", err)
	}
	if !confirm {
		fmt.Println("deploy cancelled")
		return nil
	}

	switch runtime.GOOS {
	case "darwin":
		return deployLaunchd(exe)
	case "linux":
		return deploySystemd(exe)
	}
	return nil
}

const systemdUnitTemplate = `[Unit]
Description=goclawd agent bridge daemon
After=network-online.target

[Service]
ExecStart={{.Exe}} start
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

const launchdPlistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>com.goclawd.daemon</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{.Exe}}</string>
		<string>start</string>
	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<true/>
</dict>
</plist>
`

func deploySystemd(exe string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home dir: %w", err)
	}
	unitDir := filepath.Join(home, ".config", "systemd", "user")
	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		return fmt.Errorf("create unit dir: %w", err)
	}
	unitPath := filepath.Join(unitDir, "goclawd.service")
	if err := renderTemplate(unitPath, systemdUnitTemplate, exe); err != nil {
		return err
	}
	fmt.Printf("wrote %s\nrun: systemctl --user daemon-reload && systemctl --user enable --now goclawd\n", unitPath)
	exec.Command("systemctl", "--user", "daemon-reload").Run()
	return nil
}

func deployLaunchd(exe string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home dir: %w", err)
	}
	agentDir := filepath.Join(home, "Library", "LaunchAgents")
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return fmt.Errorf("create launch agents dir: %w", err)
	}
	plistPath := filepath.Join(agentDir, "com.goclawd.daemon.plist")
	if err := renderTemplate(plistPath, launchdPlistTemplate, exe); err != nil {
		return err
	}
	fmt.Printf("wrote %s\nrun: launchctl load %s\n", plistPath, plistPath)
	return nil
}

func renderTemplate(path, tmpl, exe string) error {
	t, err := template.New("deploy").Parse(tmpl)
	if err != nil {
		return fmt.Errorf("parse template: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	return t.Execute(f, struct{ Exe string }{Exe: exe})
}
