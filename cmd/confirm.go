package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
)

// confirmModel asks the operator to type a migration name before a
// destructive or bookkeeping-only operation.
type confirmModel struct {
	prompt    string
	expected  string
	input     textinput.Model
	confirmed bool
	done      bool
	mismatch  bool
}

func newConfirmModel(prompt, expected string) confirmModel {
	input := textinput.New()
	input.Placeholder = expected
	input.Prompt = "> "
	input.CharLimit = 128
	input.Focus()
	return confirmModel{prompt: prompt, expected: expected, input: input}
}

func (m confirmModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.done = true
			return m, tea.Quit
		case tea.KeyEnter:
			if strings.TrimSpace(m.input.Value()) == m.expected {
				m.confirmed = true
				m.done = true
				return m, tea.Quit
			}
			m.mismatch = true
			m.input.SetValue("")
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m confirmModel) View() string {
	if m.done {
		return ""
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render(m.prompt) + "\n")
	b.WriteString(hintStyle.Render(fmt.Sprintf("Type %s to continue, esc to cancel.", m.expected)) + "\n\n")
	b.WriteString(m.input.View() + "\n")
	if m.mismatch {
		b.WriteString(errorStyle.Render("That does not match.") + "\n")
	}
	return b.String()
}

// isInteractive reports whether both stdin and stdout are terminals.
func isInteractive() bool {
	return isTerminal(os.Stdin.Fd()) && isTerminal(os.Stdout.Fd())
}

func isTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// confirm runs the prompt on the terminal. It returns false without
// prompting when there is no terminal to ask.
func confirm(in io.Reader, out io.Writer, prompt, expected string) (bool, error) {
	if !isInteractive() {
		return false, nil
	}
	final, err := tea.NewProgram(newConfirmModel(prompt, expected), tea.WithInput(in), tea.WithOutput(out)).Run()
	if err != nil {
		return false, err
	}
	return final.(confirmModel).confirmed, nil
}
