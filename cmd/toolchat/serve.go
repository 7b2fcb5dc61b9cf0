package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ToolChat/internal/cache"
	"ToolChat/internal/mcp"
	"ToolChat/internal/telemetry"
	"ToolChat/internal/tools"
	"ToolChat/internal/tools/csvtools"
)

func mcpServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp-serve",
		Short: "Serve the local data tools over MCP on stdio",
		Long:  "Runs an MCP server on stdin and stdout exposing the CSV tools for the configured data directory.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}

			// stdout carries the protocol; console logs go to stderr
			logger, closer, err := telemetry.InitLogger(telemetry.LoggerOptions{
				Dir:     cfg.Logging.Dir,
				Level:   cfg.Logging.Level,
				Console: cfg.Debug,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer closer.Close()

			reg := tools.NewRegistry()
			if err := csvtools.Register(reg, cfg.Data.Dir); err != nil {
				return err
			}
			exec := tools.NewExecutor(reg, telemetry.NewInstrumentation(telemetry.WithLogger(logger)),
				tools.WithTimeout(cfg.Orchestrator.ToolTimeout),
				tools.WithParallelism(cfg.Orchestrator.ToolParallelism),
				tools.WithCache(cache.New(cfg.Cache.TTL)),
				tools.WithLogger(logger),
			)
			return mcp.NewServer(reg, exec, version, logger).Serve()
		},
	}
}
