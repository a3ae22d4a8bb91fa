package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	promptTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.AdaptiveColor{Light: "#7D56F4", Dark: "#AD8EE6"})

	promptSelectedStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.AdaptiveColor{Light: "#00AA00", Dark: "#00FF00"})

	promptUnselectedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.AdaptiveColor{Light: "#666666", Dark: "#888888"})

	promptCursorStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.AdaptiveColor{Light: "#7D56F4", Dark: "#AD8EE6"})

	promptDimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#999999", Dark: "#666666"})
)

// YesNoPrompt asks a yes/no question with arrow-key selection.
type YesNoPrompt struct {
	question    string
	description string
	selected    bool // true = Yes
	confirmed   bool
	cancelled   bool
}

// NewYesNoPrompt creates a new yes/no prompt
func NewYesNoPrompt(question, description string, defaultYes bool) *YesNoPrompt {
	return &YesNoPrompt{
		question:    question,
		description: description,
		selected:    defaultYes,
	}
}

func (m YesNoPrompt) Init() tea.Cmd {
	return nil
}

func (m YesNoPrompt) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "left", "h", "y", "Y":
			m.selected = true
		case "right", "l", "n", "N":
			m.selected = false
		case "tab":
			m.selected = !m.selected
		case "enter":
			m.confirmed = true
			return m, tea.Quit
		case "ctrl+c", "esc", "q":
			m.cancelled = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m YesNoPrompt) View() string {
	var b strings.Builder

	b.WriteString(promptTitleStyle.Render("? "+m.question) + "\n")
	if m.description != "" {
		b.WriteString(promptDimStyle.Render("  "+m.description) + "\n")
	}

	yesStyle, noStyle := promptUnselectedStyle, promptUnselectedStyle
	yesCursor, noCursor := "  ", "  "
	if m.selected {
		yesStyle = promptSelectedStyle
		yesCursor = promptCursorStyle.Render("❯ ")
	} else {
		noStyle = promptSelectedStyle
		noCursor = promptCursorStyle.Render("❯ ")
	}

	b.WriteString("\n")
	b.WriteString(yesCursor + yesStyle.Render("Yes") + "    ")
	b.WriteString(noCursor + noStyle.Render("No") + "\n")
	b.WriteString("\n")
	b.WriteString(promptDimStyle.Render("  ← → to select • enter to confirm • esc to cancel"))
	return b.String()
}

// Result returns the selected value and whether it was confirmed
func (m YesNoPrompt) Result() (bool, bool) {
	return m.selected, m.confirmed && !m.cancelled
}

// RunYesNoPrompt runs the prompt. A cancelled prompt answers no.
func RunYesNoPrompt(question, description string, defaultYes bool) (bool, error) {
	p := tea.NewProgram(NewYesNoPrompt(question, description, defaultYes))
	model, err := p.Run()
	if err != nil {
		return false, err
	}
	selected, confirmed := model.(YesNoPrompt).Result()
	return selected && confirmed, nil
}

// TextInputPrompt reads one line of text.
type TextInputPrompt struct {
	title       string
	description string
	defaultVal  string
	input       textinput.Model
	confirmed   bool
	cancelled   bool
}

// NewTextInputPrompt creates a new text input prompt
func NewTextInputPrompt(title, description, placeholder, defaultVal string) *TextInputPrompt {
	ti := textinput.New()
	ti.Placeholder = placeholder
	ti.Focus()
	ti.CharLimit = 128
	ti.Width = 50

	return &TextInputPrompt{
		title:       title,
		description: description,
		defaultVal:  defaultVal,
		input:       ti,
	}
}

func (m TextInputPrompt) Init() tea.Cmd {
	return textinput.Blink
}

func (m TextInputPrompt) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "enter":
			m.confirmed = true
			return m, tea.Quit
		case "ctrl+c", "esc":
			m.cancelled = true
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m TextInputPrompt) View() string {
	var b strings.Builder

	b.WriteString(promptTitleStyle.Render("? "+m.title) + "\n")
	if m.description != "" {
		b.WriteString(promptDimStyle.Render("  "+m.description) + "\n")
	}
	b.WriteString("\n  " + m.input.View() + "\n")
	if m.defaultVal != "" && m.input.Value() == "" {
		b.WriteString(promptDimStyle.Render(fmt.Sprintf("  Press enter to use: %s", m.defaultVal)) + "\n")
	}
	b.WriteString("\n")
	b.WriteString(promptDimStyle.Render("  enter to confirm • esc to cancel"))
	return b.String()
}

// Result returns the entered value, or the default when nothing was typed.
func (m TextInputPrompt) Result() (string, bool) {
	value := strings.TrimSpace(m.input.Value())
	if value == "" {
		value = m.defaultVal
	}
	return value, m.confirmed && !m.cancelled
}

// RunTextInputPrompt runs the prompt. A cancelled prompt returns "".
func RunTextInputPrompt(title, description, placeholder, defaultVal string) (string, error) {
	p := tea.NewProgram(NewTextInputPrompt(title, description, placeholder, defaultVal))
	model, err := p.Run()
	if err != nil {
		return "", err
	}
	value, confirmed := model.(TextInputPrompt).Result()
	if !confirmed {
		return "", nil
	}
	return value, nil
}
