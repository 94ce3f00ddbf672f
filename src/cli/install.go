package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
)

var installNoStart bool

var daemonInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the daemon as a user service",
	RunE: func(cmd *cobra.Command, args []string) error {
		exe, err := os.Executable()
		if err != nil {
			return err
		}
		switch runtime.GOOS {
		case "linux":
			return installSystemd(exe)
		case "darwin":
			return installLaunchd(exe)
		default:
			return fmt.Errorf("service installation is not supported on %s", runtime.GOOS)
		}
	},
}

var daemonUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the installed user service",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch runtime.GOOS {
		case "linux":
			path, err := systemdUnitPath()
			if err != nil {
				return err
			}
			_ = exec.Command("systemctl", "--user", "disable", "--now", "mconnect.service").Run()
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
			fmt.Println("Removed systemd user unit")
			return nil
		case "darwin":
			path, err := launchdPlistPath()
			if err != nil {
				return err
			}
			_ = exec.Command("launchctl", "unload", path).Run()
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
			fmt.Println("Removed launchd agent")
			return nil
		default:
			return fmt.Errorf("service installation is not supported on %s", runtime.GOOS)
		}
	},
}

func systemdUnitPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "systemd", "user", "mconnect.service"), nil
}

func installSystemd(exe string) error {
	path, err := systemdUnitPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	unit := fmt.Sprintf(`[Unit]
Description=MConnect terminal sharing daemon
After=network.target

[Service]
ExecStart=%s daemon start --foreground
Restart=on-failure
Environment=MCONNECT_DAEMON=1

[Install]
WantedBy=default.target
`, exe)
	if err := os.WriteFile(path, []byte(unit), 0o644); err != nil {
		return err
	}
	fmt.Printf("Installed %s\n", path)
	if installNoStart {
		return nil
	}
	if err := exec.Command("systemctl", "--user", "enable", "--now", "mconnect.service").Run(); err != nil {
		return fmt.Errorf("enable service: %w", err)
	}
	fmt.Println("Service enabled and started")
	return nil
}

func launchdPlistPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Library", "LaunchAgents", "dev.lecoder.mconnect.plist"), nil
}

func installLaunchd(exe string) error {
	path, err := launchdPlistPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	plist := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key><string>dev.lecoder.mconnect</string>
    <key>ProgramArguments</key>
    <array>
        <string>%s</string>
        <string>daemon</string>
        <string>start</string>
        <string>--foreground</string>
    </array>
    <key>RunAtLoad</key><true/>
    <key>KeepAlive</key><true/>
    <key>EnvironmentVariables</key>
    <dict><key>MCONNECT_DAEMON</key><string>1</string></dict>
</dict>
</plist>
`, exe)
	if err := os.WriteFile(path, []byte(plist), 0o644); err != nil {
		return err
	}
	fmt.Printf("Installed %s\n", path)
	if installNoStart {
		return nil
	}
	if err := exec.Command("launchctl", "load", path).Run(); err != nil {
		return fmt.Errorf("load agent: %w", err)
	}
	fmt.Println("Agent loaded")
	return nil
}

func init() {
	daemonInstallCmd.Flags().BoolVar(&installNoStart, "no-start", false, "install without starting")
}
