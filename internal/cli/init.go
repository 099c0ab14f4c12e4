package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/postpull/postpull/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config file with fresh shared secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "postpull.json"
			}
			force, _ := cmd.Flags().GetBool("force")
			if !force {
				if _, err := os.Stat(output); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", output)
				}
			}

			webhookSecret, err := config.GenerateRandomSecret()
			if err != nil {
				return err
			}
			tickSecret, err := config.GenerateRandomSecret()
			if err != nil {
				return err
			}

			cfg := config.Config{
				Server: config.ServerConfig{
					Addr:      ":8080",
					PublicURL: "https://postpull.example.com",
				},
				Storage: config.StorageConfig{
					Driver: "sqlite",
					DSN:    "postpull.db",
				},
				Runner: config.RunnerConfig{
					Token:         "YOUR_APIFY_TOKEN",
					WebhookSecret: webhookSecret,
					Actors: map[string]string{
						"instagram": "apify~instagram-scraper",
						"tiktok":    "clockworks~tiktok-scraper",
						"twitter":   "apidojo~tweet-scraper",
						"youtube":   "streamers~youtube-scraper",
					},
					HTTPTimeout: config.Duration{Duration: 60 * time.Second},
				},
				Scheduler: config.SchedulerConfig{
					TickSecret:   tickSecret,
					TickInterval: config.Duration{Duration: 5 * time.Minute},
				},
				Logging: config.LoggingConfig{Level: "info", Format: "json"},
			}

			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, append(data, '\n'), 0o600); err != nil {
				return err
			}

			fmt.Printf("wrote %s\n", output)
			fmt.Println("set runner.token and server.public_url before starting")
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./postpull.json)")
	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	return cmd
}
