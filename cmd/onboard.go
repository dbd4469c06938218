package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawgate/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

func runOnboard() error {
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); err == nil {
		overwrite := false
		confirm := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("%s already exists. Overwrite?", cfgPath)).
				Value(&overwrite),
		))
		if err := confirm.Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Keeping the existing config.")
			return nil
		}
	}

	var (
		host         = "127.0.0.1"
		port         = "18789"
		authMode     = "token"
		password     string
		telegramOn   bool
		webhookPath  = "/webhook/telegram"
		agentCommand string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Gateway bind host").
				Value(&host),
			huh.NewInput().
				Title("Gateway port").
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 || n > 65535 {
						return fmt.Errorf("port must be 1-65535")
					}
					return nil
				}).
				Value(&port),
			huh.NewSelect[string]().
				Title("Operator auth mode").
				Options(
					huh.NewOption("token (CLAWGATE_TOKEN env)", "token"),
					huh.NewOption("password (stored in config)", "password"),
				).
				Value(&authMode),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Operator password").
				EchoMode(huh.EchoModePassword).
				Value(&password),
		).WithHideFunc(func() bool { return authMode != "password" }),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the Telegram channel?").
				Value(&telegramOn),
			huh.NewInput().
				Title("Agent runner command (e.g. claude -p), blank to configure later").
				Value(&agentCommand),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	portNum, _ := strconv.Atoi(port)
	cfg := config.Default()
	cfg.Gateway.Host = host
	cfg.Gateway.Port = portNum
	cfg.Gateway.Auth.Mode = authMode
	if authMode == "password" {
		cfg.Gateway.Auth.Password = password
	}
	if telegramOn {
		cfg.Channels = config.ChannelsConfig{
			"telegram": {Enabled: true, WebhookPath: webhookPath},
		}
	}
	if fields := strings.Fields(agentCommand); len(fields) > 0 {
		cfg.Agents.Command = fields
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(cfgPath, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", cfgPath, err)
	}

	fmt.Printf("Wrote %s\n\n", cfgPath)
	if authMode == "token" {
		fmt.Println("Set the operator token before starting:")
		fmt.Println("  export CLAWGATE_TOKEN=$(openssl rand -hex 24)")
	}
	if telegramOn {
		fmt.Println("Set the Telegram bot token:")
		fmt.Println("  export CLAWGATE_CHANNEL_TELEGRAM_TOKEN=<bot token>")
	}
	fmt.Println("\nStart the gateway with:  clawgate")
	return nil
}
