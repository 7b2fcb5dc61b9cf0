package chatbot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"ToolChat/internal/backend"
	"ToolChat/internal/config"
	"ToolChat/internal/session"
)

const previewLen = 120

// handleCommand handles special commands
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new-session":
		if err := cb.orch.Save(ctx, cb.sessionID); err != nil {
			cb.logger.Error("failed to save current session", "error", err)
		}
		cb.sessionID = cb.orch.NewSession()
		fmt.Fprintln(cb.out, "Started new session:", cb.sessionID)
		return false, nil

	case "/switch":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /switch <model> (%s)", strings.Join(cb.gateway.Models(), "|"))
		}
		if !cb.gateway.Has(parts[1]) {
			return false, fmt.Errorf("unknown model %s, available: %s", parts[1], strings.Join(cb.gateway.Models(), ", "))
		}
		if err := cb.orch.Switch(ctx, cb.sessionID, parts[1]); err != nil {
			return false, err
		}
		fmt.Fprintf(cb.out, "Switched to %s\n", parts[1])
		return false, nil

	case "/models":
		active, _ := cb.orch.ActiveModel(cb.sessionID)
		fmt.Fprintln(cb.out, "\nConfigured models:")
		for i, name := range cb.gateway.Models() {
			m, _ := cb.gateway.Model(name)
			current := ""
			if name == active {
				current = " (current)"
			}
			fmt.Fprintf(cb.out, "%d. %s - %s %s%s\n", i+1, name, m.Provider, m.Name, current)
		}
		fmt.Fprintln(cb.out)
		return false, nil

	case "/ollama-models":
		return false, cb.listOllamaModels(ctx)

	case "/history":
		history, err := cb.orch.History(cb.sessionID)
		if err != nil {
			return false, err
		}
		if len(history) == 0 {
			fmt.Fprintln(cb.out, "History is empty.")
			return false, nil
		}
		for i, m := range history {
			fmt.Fprintf(cb.out, "%3d %s\n", i+1, describe(m))
		}
		return false, nil

	case "/clear":
		if err := cb.orch.Clear(cb.sessionID); err != nil {
			return false, err
		}
		fmt.Fprintln(cb.out, "History cleared.")
		return false, nil

	case "/save":
		if err := cb.orch.Save(ctx, cb.sessionID); err != nil {
			return false, err
		}
		fmt.Fprintln(cb.out, "Saved session:", cb.sessionID)
		return false, nil

	case "/sessions":
		summaries, err := cb.orch.Sessions(ctx)
		if err != nil {
			return false, err
		}
		if len(summaries) == 0 {
			fmt.Fprintln(cb.out, "No saved sessions.")
			return false, nil
		}
		fmt.Fprintln(cb.out, "\nSaved sessions:")
		for _, s := range summaries {
			current := ""
			if s.ID == cb.sessionID {
				current = " (current)"
			}
			fmt.Fprintf(cb.out, "  %s  %s  %-10s %d messages%s\n",
				s.ID, s.CreatedAt.Local().Format("2006-01-02 15:04"), s.ActiveModel, s.MessageCount, current)
		}
		fmt.Fprintln(cb.out)
		return false, nil

	case "/load":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /load <session-id>")
		}
		if parts[1] != cb.sessionID {
			if err := cb.orch.Save(ctx, cb.sessionID); err != nil {
				cb.logger.Error("failed to save current session", "error", err)
			}
		}
		sess, err := cb.orch.Load(ctx, parts[1])
		if err != nil {
			return false, err
		}
		cb.sessionID = sess.ID
		fmt.Fprintf(cb.out, "Loaded session %s (%d messages, model %s)\n", sess.ID, len(sess.Messages), sess.ActiveModel)
		return false, nil

	case "/tools":
		specs := cb.orch.Tools()
		if len(specs) == 0 {
			fmt.Fprintln(cb.out, "No tools available.")
			return false, nil
		}
		fmt.Fprintln(cb.out, "\nAvailable tools:")
		for i, spec := range specs {
			fmt.Fprintf(cb.out, "%d. %s (%s)\n", i+1, spec.Name, spec.Source)
			fmt.Fprintf(cb.out, "   %s\n", spec.Description)
		}
		fmt.Fprintln(cb.out)
		return false, nil

	case "/mcp-servers":
		names := cb.mcpRegistry.Names()
		if len(names) == 0 {
			fmt.Fprintln(cb.out, "No MCP servers connected.")
			return false, nil
		}
		fmt.Fprintln(cb.out, "\nConnected MCP Servers:")
		for i, name := range names {
			fmt.Fprintf(cb.out, "%d. %s\n", i+1, name)
		}
		fmt.Fprintf(cb.out, "\nTotal: %d servers\n\n", len(names))
		return false, nil

	case "/calls":
		limit := 10
		if len(parts) > 1 {
			n, err := strconv.Atoi(parts[1])
			if err != nil || n <= 0 {
				return false, fmt.Errorf("usage: /calls [count]")
			}
			limit = n
		}
		return false, cb.showCalls(ctx, limit)

	case "/help":
		fmt.Fprintln(cb.out, "Available commands:")
		fmt.Fprintln(cb.out, "  /quit, /exit              - Exit the chatbot")
		fmt.Fprintln(cb.out, "  /new-session              - Start a new chat session")
		fmt.Fprintln(cb.out, "  /switch <model>           - Switch the model of this session")
		fmt.Fprintln(cb.out, "  /models                   - List configured models")
		fmt.Fprintln(cb.out, "  /ollama-models            - List models installed in Ollama")
		fmt.Fprintln(cb.out, "  /history                  - Show the conversation history")
		fmt.Fprintln(cb.out, "  /clear                    - Clear the conversation history")
		fmt.Fprintln(cb.out, "  /save                     - Save the session")
		fmt.Fprintln(cb.out, "  /sessions                 - List saved sessions")
		fmt.Fprintln(cb.out, "  /load <id>                - Load a saved session")
		fmt.Fprintln(cb.out, "  /tools                    - List available tools")
		fmt.Fprintln(cb.out, "  /mcp-servers              - Show connected MCP servers")
		fmt.Fprintln(cb.out, "  /calls [n]                - Show the last n model calls")
		fmt.Fprintln(cb.out, "  /help                     - Show this help message")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s, type /help for commands", parts[0])
	}
}

func (cb *ChatBot) listOllamaModels(ctx context.Context) error {
	var baseURL string
	for _, name := range cb.gateway.Models() {
		if m, _ := cb.gateway.Model(name); m.Provider == config.ProviderOllama {
			baseURL = m.BaseURL
			break
		}
	}
	if baseURL == "" {
		return fmt.Errorf("no ollama model configured")
	}
	b, ok := cb.gateway.Backend(config.ProviderOllama)
	if !ok {
		return fmt.Errorf("no ollama backend registered")
	}
	ollama, ok := b.(*backend.Ollama)
	if !ok {
		return fmt.Errorf("ollama backend cannot list models")
	}

	models, err := ollama.ListModels(ctx, baseURL)
	if err != nil {
		return fmt.Errorf("failed to list Ollama models: %w", err)
	}
	fmt.Fprintln(cb.out, "\nAvailable Ollama models:")
	for i, model := range models {
		fmt.Fprintf(cb.out, "%d. %s - %s\n", i+1, model.Name, backend.FormatSize(model.Size))
	}
	fmt.Fprintln(cb.out)
	return nil
}

func (cb *ChatBot) showCalls(ctx context.Context, limit int) error {
	records, err := cb.inst.CallHistory(ctx, cb.sessionID, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(cb.out, "No model calls recorded.")
		return nil
	}
	for _, r := range records {
		outcome := string(r.Decision)
		if r.ErrorKind != "" {
			outcome = string(r.ErrorKind)
		}
		line := fmt.Sprintf("  %s  %-10s %-14s %6dms", r.StartedAt.Local().Format("15:04:05"), r.Model, outcome, r.Duration().Milliseconds())
		if r.Usage != nil {
			line += fmt.Sprintf("  %d tokens", r.Usage.TotalTokens)
		}
		if len(r.ToolNames) > 0 {
			line += "  " + strings.Join(r.ToolNames, ",")
		}
		fmt.Fprintln(cb.out, line)
	}
	return nil
}

// describe renders one history entry on a single line
func describe(m session.Message) string {
	switch {
	case m.HasToolCalls():
		names := make([]string, len(m.ToolCalls))
		for i, c := range m.ToolCalls {
			names[i] = c.Name
		}
		return fmt.Sprintf("%-9s -> %s", m.Role, strings.Join(names, ", "))
	case m.Role == session.RoleTool:
		status := "ok"
		if m.IsError {
			status = "error"
		}
		return fmt.Sprintf("%-9s %s [%s] %s", m.Role, m.Name, status, preview(m.Content))
	default:
		return fmt.Sprintf("%-9s %s", m.Role, preview(m.Content))
	}
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > previewLen {
		return s[:previewLen] + "..."
	}
	return s
}
