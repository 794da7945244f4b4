package main

import (
	"fmt"
	"net"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/quan-xiao/testmanager/internal/exitcode"
	"github.com/quan-xiao/testmanager/internal/tui/watch"
)

const apiKeyEnvVar = "TESTMANAGER_API_KEY"

func (c *cli) watchCmd() *cobra.Command {
	var apiURL, apiKey string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live fleet monitor",
		Long: `Opens a terminal dashboard of the testbox fleet and the dispatch event stream
of a running coordinator. The API URL and key default to api.listen and
api.auth.api_key from the config; $TESTMANAGER_API_KEY overrides the key.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" || apiKey == "" {
				cfg, err := c.loadConfig()
				if err != nil && apiURL == "" {
					return withCode(exitcode.Init, err)
				}
				if err == nil {
					if apiURL == "" {
						apiURL = listenURL(cfg.API.Listen)
					}
					if apiKey == "" {
						apiKey = cfg.API.Auth.APIKey
					}
				}
			}
			if env := os.Getenv(apiKeyEnvVar); env != "" && !cmd.Flags().Changed("api-key") {
				apiKey = env
			}
			if apiKey == "" {
				return withCode(exitcode.Init, fmt.Errorf("an API key is required (--api-key or $%s)", apiKeyEnvVar))
			}

			p := tea.NewProgram(watch.New(strings.TrimRight(apiURL, "/"), apiKey))
			if _, err := p.Run(); err != nil {
				return withCode(exitcode.Failure, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api-url", "", "coordinator base URL (default from api.listen)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "admin API key")
	return cmd
}

// listenURL turns a listen address into a URL a local client can dial.
func listenURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
