package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
)

// Renderer handles all output rendering: markdown, tool calls, approvals.
type Renderer struct {
	glamour *glamour.TermRenderer
	width   int
}

// NewRenderer creates a renderer with the given terminal width
func NewRenderer(width int) *Renderer {
	if width <= 0 {
		width = 80
	}
	r, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width-4),
	)
	return &Renderer{
		glamour: r,
		width:   width,
	}
}

// RenderMarkdown renders markdown text to styled terminal output
func (r *Renderer) RenderMarkdown(md string) string {
	if r.glamour == nil {
		return md
	}
	out, err := r.glamour.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimSpace(out)
}

// ToolHeader renders: ╭─ ⊷ tool_name args ──────
func (r *Renderer) ToolHeader(name, argsJSON string) string {
	icon := toolIcon(name)
	args := summarizeArgs(argsJSON)

	label := fmt.Sprintf(" %s %s %s ", icon, name, args)
	lineW := r.width - len([]rune(label)) - 2
	if lineW < 3 {
		lineW = 3
	}
	line := strings.Repeat("─", lineW)

	dimStyle := lipgloss.NewStyle().Foreground(colorDim)
	iconStyle := lipgloss.NewStyle().Foreground(colorYellow)
	nameStyle := lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	argStyle := lipgloss.NewStyle().Foreground(colorGray)

	return fmt.Sprintf("\n%s %s %s %s %s",
		dimStyle.Render("╭─"),
		iconStyle.Render(icon),
		nameStyle.Render(name),
		argStyle.Render(args),
		dimStyle.Render(line),
	)
}

// ToolFooter renders: ╰─ ✓ tool_name ──────
func (r *Renderer) ToolFooter(name string, isError bool) string {
	statusIcon := "✓"
	statusColor := colorGreen
	if isError {
		statusIcon = "✗"
		statusColor = lipgloss.Color("#FF5F5F")
	}

	label := fmt.Sprintf(" %s %s ", statusIcon, name)
	lineW := r.width - len([]rune(label)) - 2
	if lineW < 3 {
		lineW = 3
	}
	line := strings.Repeat("─", lineW)

	dimStyle := lipgloss.NewStyle().Foreground(colorDim)
	statusStyle := lipgloss.NewStyle().Foreground(statusColor)
	nameStyle := lipgloss.NewStyle().Foreground(colorGray)

	return fmt.Sprintf("%s %s %s %s",
		dimStyle.Render("╰─"),
		statusStyle.Render(statusIcon),
		nameStyle.Render(name),
		dimStyle.Render(line),
	)
}

// ApprovalPrompt renders the pending request and the answer legend.
func (r *Renderer) ApprovalPrompt(req entity.ApprovalRequest) string {
	titleStyle := lipgloss.NewStyle().Foreground(colorYellow).Bold(true)
	descStyle := lipgloss.NewStyle().Foreground(colorWhite)
	hintStyle := lipgloss.NewStyle().Foreground(colorGray)

	return fmt.Sprintf("\n%s %s\n%s ",
		titleStyle.Render("⚠ approval required:"),
		descStyle.Render(req.Description),
		hintStyle.Render("[y] approve  [a] always  [N] reject →"),
	)
}

// ErrorLine renders a fatal turn error.
func (r *Renderer) ErrorLine(text string) string {
	style := lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")).Bold(true)
	return style.Render("✗ " + text)
}

// SummaryLine renders the per-turn footer: steps, tools, tokens, model.
func (r *Renderer) SummaryLine(steps, tools, tokens int, model string) string {
	style := lipgloss.NewStyle().Foreground(colorDim)
	return style.Render(fmt.Sprintf("─── %d steps · %d tools · %s tokens · %s ───",
		steps, tools, fmtTokens(tokens), model))
}

func toolIcon(name string) string {
	icons := map[string]string{
		"bash":        "$",
		"read_file":   "→",
		"write_file":  "←",
		"list_dir":    "→",
		"grep_search": "✱",
	}
	if icon, ok := icons[name]; ok {
		return icon
	}
	return "⚙"
}

// summarizeArgs pulls the most interesting value out of a JSON arguments
// string for one-line display.
func summarizeArgs(argsJSON string) string {
	var args map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil || len(args) == 0 {
		return ""
	}
	priority := []string{"command", "path", "query", "url", "pattern"}
	for _, key := range priority {
		if v, ok := args[key]; ok {
			return truncateArg(fmt.Sprintf("%v", v))
		}
	}
	for _, v := range args {
		return truncateArg(fmt.Sprintf("%v", v))
	}
	return ""
}

func truncateArg(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 60 {
		s = s[:60] + "…"
	}
	return s
}

func fmtTokens(n int) string {
	if n >= 1000 {
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}
