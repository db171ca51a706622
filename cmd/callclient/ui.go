package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mossy-p/telehealth-signaling/internal/negotiation"
)

var (
	primary = lipgloss.Color("#22d3ee")
	success = lipgloss.Color("#10B981")
	warning = lipgloss.Color("#F59E0B")
	danger  = lipgloss.Color("#EF4444")
	muted   = lipgloss.Color("#6B7280")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(primary)
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F9FAFB")).Background(primary).Padding(0, 1).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(warning)
	errorStyle   = lipgloss.NewStyle().Foreground(danger).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	chatStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED")).Bold(true)
)

func printTitle(msg string) {
	fmt.Println(titleStyle.Render(msg))
}

func printInfo(msg string) {
	fmt.Println(mutedStyle.Render(msg))
}

func printSuccess(msg string) {
	fmt.Println(successStyle.Render("✔ " + msg))
}

func printWarning(msg string) {
	fmt.Println(warningStyle.Render("! " + msg))
}

func printError(msg string) {
	fmt.Println(errorStyle.Render("✖ " + msg))
}

func printState(attempt int, state negotiation.State) {
	label := statusStyle.Render(string(state))
	if state == negotiation.StateConnected {
		label = statusStyle.Background(success).Render(string(state))
	}
	fmt.Printf("%s %s\n", mutedStyle.Render(fmt.Sprintf("attempt %d", attempt)), label)
}

func printChat(from string, at time.Time, text string) {
	fmt.Printf("%s %s %s\n",
		mutedStyle.Render(at.Local().Format("15:04:05")),
		chatStyle.Render(from+":"),
		text,
	)
}
