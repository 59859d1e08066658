package cli

import (
	"context"
	"fmt"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/dataforge/internal/models"
	"github.com/spf13/cobra"
)

const pollInterval = time.Second

var watchCmd = &cobra.Command{
	Use:   "watch <key>",
	Short: "Follow a dataset's progress",
	Long: `Show a live progress bar for a dataset until it completes or fails.

Examples:
  dataforge watch 3f2c...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := getDataset(cmd.Context(), args[0]); err != nil {
			return err
		}
		return RunDatasetProgress(args[0])
	},
}

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// tickMsg triggers polling the dataset
type tickMsg time.Time

// datasetUpdateMsg carries the reloaded dataset
type datasetUpdateMsg struct {
	dataset *models.Dataset
	err     error
}

// progressModel is the bubbletea model for dataset progress.
type progressModel struct {
	key      string
	dataset  *models.Dataset
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
	err      error
}

func newProgressModel(key string) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)
	return progressModel{
		key:      key,
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init returns the initial command (start polling).
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.fetchDataset(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		return m, m.fetchDataset()

	case datasetUpdateMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("failed to fetch dataset: %w", msg.err)
			m.done = true
			return m, tea.Quit
		}

		m.dataset = msg.dataset
		if settled(m.dataset) {
			m.done = true
			if m.dataset.State == models.StateError {
				m.err = fmt.Errorf("%s", m.dataset.StatusText)
			}
			return m, tea.Quit
		}
		return m, tickCmd()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}
	if m.dataset == nil {
		return "Loading dataset status...\n"
	}

	state := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.dataset.State))
	bar := m.progress.ViewAs(m.dataset.Progress)
	hint := m.theme.hintStyle().Render("Press Ctrl+C to stop watching")

	return fmt.Sprintf("%s %s %s\n%s\n%s\n", state, m.dataset.Type, bar, m.dataset.StatusText, hint)
}

func (m progressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nDataset %s keeps running in the worker.\nUse 'dataforge watch %s' to follow it again.\n",
			m.key, m.key)
		return m.theme.hintStyle().Render(msg)
	}

	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Dataset failed: %s\n", m.err))
	}

	d := m.dataset
	output := m.theme.completedStyle().Render("✓ "+d.StatusText) + "\n\n"
	output += fmt.Sprintf("  Rows:        %d\n", d.NumRows)
	output += fmt.Sprintf("  Result:      %s\n", dataLayout.ResultPath(d))
	if len(d.AnnotationFields) > 0 {
		output += fmt.Sprintf("  Annotations: %d fields\n", len(d.AnnotationFields))
	}
	return output
}

// fetchDataset reloads the dataset in a command so Update never blocks.
func (m progressModel) fetchDataset() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		d, err := st.GetDataset(ctx, m.key)
		return datasetUpdateMsg{dataset: d, err: err}
	}
}

// tickCmd returns a command that sends a tick after the poll interval.
func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// RunDatasetProgress runs the interactive progress UI for a dataset.
// Returns nil on completion or Ctrl+C, an error when the dataset failed.
func RunDatasetProgress(key string) error {
	p := tea.NewProgram(newProgressModel(key))

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(progressModel); ok {
		if m.quitting {
			return nil
		}
		if m.err != nil {
			return m.err
		}
	}
	return nil
}
