package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ToolChat/internal/chatbot"
	"ToolChat/internal/config"
)

var version = "dev"

type rootFlags struct {
	configPath string
	sessionID  string
	model      string
	debug      bool
}

func main() {
	var flags rootFlags

	root := &cobra.Command{
		Use:   "toolchat",
		Short: "ToolChat - tool-calling chat over OpenAI-compatible, Anthropic and Ollama models",
		Long:  "Chats with a configured model that can call local CSV tools and tools from MCP servers.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}

			bot, err := chatbot.NewChatBot(cmd.Context(), *cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize chatbot: %w", err)
			}
			defer bot.Close()

			if flags.model != "" {
				if err := bot.Switch(cmd.Context(), flags.model); err != nil {
					return err
				}
			}
			return bot.Run(cmd.Context())
		},
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Path to a YAML config file (defaults are used when empty)")
	pf.BoolVar(&flags.debug, "debug", false, "Log to the console at debug level")
	root.Flags().StringVar(&flags.sessionID, "session-id", "", "Load existing session by ID")
	root.Flags().StringVar(&flags.model, "model", "", "Model to start with (a name from the models section)")

	root.AddCommand(
		sessionsCmd(&flags),
		mcpServeCmd(&flags),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (f *rootFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	cfg.SessionID = f.sessionID
	cfg.Debug = f.debug
	if f.debug {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}
