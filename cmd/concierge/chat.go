package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"concierge/internal/chat"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("6")).
			Bold(true)

	sourceStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1"))
)

// runSingleChat answers one message and exits.
func runSingleChat(cmd *cobra.Command, args []string) error {
	orch, cleanup, err := buildOrchestrator()
	if err != nil {
		return err
	}
	defer cleanup()

	message := strings.Join(args, " ")
	resp := orch.HandleChatTurn(cmd.Context(), chat.Request{Message: message}, func(chunk string) {
		fmt.Print(chunk)
	})
	fmt.Println()

	printSources(resp)
	return nil
}

// runInteractiveChat reads messages from stdin until EOF or /quit,
// carrying the conversation history across turns.
func runInteractiveChat(ctx context.Context) error {
	orch, cleanup, err := buildOrchestrator()
	if err != nil {
		return err
	}
	defer cleanup()

	renderer, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)

	fmt.Printf("%s — ask me about %s. /quit to exit.\n\n",
		cfg.Name, strings.TrimSpace(cfg.Persona.Owner+"'s site"))

	var history []chat.Message
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(promptStyle.Render("you> "), " ")
		if !scanner.Scan() {
			break
		}
		message := strings.TrimSpace(scanner.Text())
		if message == "" {
			continue
		}
		if message == "/quit" || message == "/exit" {
			break
		}

		var raw strings.Builder
		resp := orch.HandleChatTurn(ctx, chat.Request{Message: message, History: history}, func(chunk string) {
			raw.WriteString(chunk)
			fmt.Print(chunk)
		})
		fmt.Println()

		// Re-render the finished reply as styled markdown when possible.
		if renderer != nil && strings.ContainsAny(resp.Text, "*#[`") {
			if pretty, err := renderer.Render(resp.Text); err == nil {
				fmt.Print(pretty)
			}
		}
		printSources(resp)
		fmt.Println()

		history = append(history,
			chat.Message{Role: chat.RoleUser, Content: message},
			chat.Message{Role: chat.RoleAssistant, Content: resp.Text},
		)
	}
	return scanner.Err()
}

func printSources(resp *chat.Response) {
	if len(resp.Sources) == 0 {
		return
	}
	fmt.Println(sourceStyle.Render("sources: " + strings.Join(resp.Sources, ", ")))
}

// runListTools prints the tool server's catalog.
func runListTools(cmd *cobra.Command, args []string) error {
	orch, cleanup, err := buildOrchestrator()
	if err != nil {
		return err
	}
	defer cleanup()

	tools, err := orch.ListTools(cmd.Context())
	if err != nil {
		fmt.Println(errorStyle.Render("tool server unreachable: " + err.Error()))
		return nil
	}

	if len(tools) == 0 {
		fmt.Println("No tools available.")
		return nil
	}
	for _, tool := range tools {
		fmt.Printf("  %s — %s\n", promptStyle.Render(tool.Name), tool.Description)
	}
	return nil
}

// runInit writes the default config if none exists.
func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		return nil
	}

	if err := cfg.Save(configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("Wrote default config to %s\n", configPath)
	return nil
}
