package main

import "github.com/charmbracelet/lipgloss"

// Terminal styles shared by the CLI output. Rendering degrades to plain
// text automatically when stdout is not a TTY.
var (
	stylePass   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleWarn   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleFail   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleAccent = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	styleDim    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleDone   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Strikethrough(true)
	styleID     = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
)

func renderPass(s string) string   { return stylePass.Render(s) }
func renderWarn(s string) string   { return styleWarn.Render(s) }
func renderFail(s string) string   { return styleFail.Render(s) }
func renderAccent(s string) string { return styleAccent.Render(s) }
func renderDim(s string) string    { return styleDim.Render(s) }
