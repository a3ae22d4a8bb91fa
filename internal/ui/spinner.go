package ui

import (
	"context"
	"errors"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#7D56F4", Dark: "#AD8EE6"})

var cancelKeys = key.NewBinding(key.WithKeys("ctrl+c", "esc"), key.WithHelp("ctrl+c", "cancel"))

// operationDone is sent when the wrapped operation returns.
type operationDone struct{ err error }

// SpinnerModel shows a spinner until the operation finishes or the user
// cancels it.
type SpinnerModel struct {
	spinner   spinner.Model
	title     string
	cancel    context.CancelFunc
	done      bool
	cancelled bool
	err       error
}

// NewSpinnerModel creates the model. cancel is called when the user asks to
// abort.
func NewSpinnerModel(title string, cancel context.CancelFunc) SpinnerModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle
	return SpinnerModel{spinner: s, title: title, cancel: cancel}
}

func (m SpinnerModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m SpinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case operationDone:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	case tea.KeyMsg:
		if key.Matches(msg, cancelKeys) && !m.cancelled {
			m.cancelled = true
			if m.cancel != nil {
				m.cancel()
			}
		}
		return m, nil
	}
	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

func (m SpinnerModel) View() string {
	if m.done {
		return ""
	}
	line := m.spinner.View() + " " + m.title
	if m.cancelled {
		return line + dimStyle.Render("  cancelling...") + "\n"
	}
	return line + dimStyle.Render("  "+cancelKeys.Help().Key+" to "+cancelKeys.Help().Desc) + "\n"
}

// Done reports whether the operation finished, and its error.
func (m SpinnerModel) Done() (bool, error) { return m.done, m.err }

// RunWithSpinner runs fn while a spinner is shown. Without a terminal, fn
// runs directly and the title is printed once.
func RunWithSpinner(ctx context.Context, title string, interactive bool, fn func(context.Context) error) error {
	if !interactive {
		PrintInfo(title)
		return fn(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan error, 1)
	p := tea.NewProgram(NewSpinnerModel(title, cancel), tea.WithOutput(Out))
	go func() {
		err := fn(ctx)
		result <- err
		p.Send(operationDone{err: err})
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		cancel()
		<-result
		return err
	}
	return <-result
}
