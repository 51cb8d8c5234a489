package cli

import (
	"context"
	"fmt"
	"strings"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/botforge-io/botforge/internal/models"
)

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

// Style functions for dynamic theming
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

// snapshotMsg carries one status snapshot from the websocket stream.
type snapshotMsg models.RunView

// streamDoneMsg signals the stream ended, possibly with an error.
type streamDoneMsg struct {
	err error
}

// watchModel is the bubbletea model for pipeline run progress.
type watchModel struct {
	runID     string
	view      *models.RunView
	snapshots <-chan models.RunView
	errs      <-chan error
	progress  progress.Model
	theme     Theme
	done      bool
	quitting  bool
	err       error
}

// newWatchModel creates a new watch model over a running snapshot stream.
func newWatchModel(runID string, snapshots <-chan models.RunView, errs <-chan error) watchModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return watchModel{
		runID:     runID,
		snapshots: snapshots,
		errs:      errs,
		progress:  prog,
		theme:     defaultTheme,
	}
}

// Init returns the initial command (wait for the first snapshot).
func (m watchModel) Init() tea.Cmd {
	return tea.Batch(
		m.nextSnapshot(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case snapshotMsg:
		view := models.RunView(msg)
		m.view = &view
		if view.Status.Terminal() {
			m.done = true
			if view.Status == models.RunStatusFailed {
				m.err = fmt.Errorf("pipeline failed in stage %s", view.CurrentStage)
			}
			return m, tea.Quit
		}
		return m, m.nextSnapshot()

	case streamDoneMsg:
		m.done = true
		if msg.err != nil {
			m.err = msg.err
		}
		return m, tea.Quit

	case progress.FrameMsg:
		// Update progress bar animation
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m watchModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

// renderContent builds the display string.
func (m watchModel) renderContent() string {
	if m.done {
		return m.finalView()
	}

	if m.view == nil {
		return "Connecting to pipeline stream...\n"
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.view.Status))
	progressBar := m.progress.ViewAs(float64(m.view.Progress) / 100)
	stage := fmt.Sprintf("%d%% (%s)", m.view.Progress, m.view.CurrentStage)

	hint := m.theme.hintStyle().Render("Press Ctrl+C to continue in background")

	return fmt.Sprintf("%s %s %s\n%s\n", status, progressBar, stage, hint)
}

// finalView renders the completion message.
func (m watchModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nRun %s continues in background.\nUse 'botforge pipeline %s' to check status.\n",
			m.runID, m.runID)
		return m.theme.hintStyle().Render(msg)
	}

	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ %s\n", m.err))
	}

	if m.view != nil {
		if m.view.Status == models.RunStatusCancelled {
			return m.theme.hintStyle().Render("\n⊘ Run cancelled\n")
		}
		var b strings.Builder
		b.WriteString(m.theme.completedStyle().Render("✓ Completed") + "\n\n")
		for _, key := range statOrder {
			if v, ok := m.view.Stats[key]; ok && v > 0 {
				fmt.Fprintf(&b, "  %-20s %d\n", strings.ReplaceAll(key, "_", " ")+":", v)
			}
		}
		return b.String()
	}

	return m.theme.completedStyle().Render("✓ Completed\n")
}

// nextSnapshot waits for the next websocket snapshot.
// Runs as a command to avoid blocking Update().
func (m watchModel) nextSnapshot() tea.Cmd {
	return func() tea.Msg {
		select {
		case view, ok := <-m.snapshots:
			if !ok {
				return streamDoneMsg{}
			}
			return snapshotMsg(view)
		case err := <-m.errs:
			return streamDoneMsg{err: err}
		}
	}
}

// runWatchProgress runs the interactive progress UI for a pipeline run,
// fed by the server's websocket status stream. Returns nil on success or
// Ctrl+C (background), error on run failure.
func runWatchProgress(runID string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots := make(chan models.RunView)
	errs := make(chan error, 1)
	go func() {
		defer close(snapshots)
		err := apiClient.WatchRun(ctx, runID, func(view models.RunView) error {
			select {
			case snapshots <- view:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil && ctx.Err() == nil {
			errs <- err
		}
	}()

	model := newWatchModel(runID, snapshots, errs)
	p := tea.NewProgram(model)

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(watchModel); ok {
		// If user quit with Ctrl+C, the run continues in background
		if m.quitting {
			return nil
		}
		if m.err != nil {
			return m.err
		}
	}

	return nil
}
