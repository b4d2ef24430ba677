package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/tidwall/gjson"
	"golang.org/x/term"
)

const watchRefreshInterval = time.Second

type watchTickMsg time.Time

type watchDataMsg struct {
	tasks  []TaskRecord
	counts map[string]int64
	err    error
}

type watchModel struct {
	reg     *Registry
	spinner spinner.Model
	bar     progress.Model
	tasks   []TaskRecord
	counts  map[string]int64
	err     error
	width   int
}

func newWatchModel(reg *Registry) watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = statusStyle(string(StatusWorking))
	bar := progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage())
	bar.Width = 24
	return watchModel{reg: reg, spinner: sp, bar: bar, width: 80}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.refresh(), watchTick())
}

func watchTick() tea.Cmd {
	return tea.Tick(watchRefreshInterval, func(t time.Time) tea.Msg {
		return watchTickMsg(t)
	})
}

func (m watchModel) refresh() tea.Cmd {
	reg := m.reg
	return func() tea.Msg {
		tasks, _, err := reg.ListTasks(TaskQuery{Limit: 15})
		if err != nil {
			return watchDataMsg{err: err}
		}
		counts, err := reg.CountByStatus()
		if err != nil {
			return watchDataMsg{err: err}
		}
		return watchDataMsg{tasks: tasks, counts: counts}
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case watchTickMsg:
		return m, tea.Batch(m.refresh(), watchTick())
	case watchDataMsg:
		m.tasks = msg.tasks
		m.counts = msg.counts
		m.err = msg.err
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Dispatch Tasks"))
	b.WriteString("\n")
	b.WriteString(m.renderCounts())
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(statusStyle(string(StatusFailed)).Render("registry error: " + m.err.Error()))
		b.WriteString("\n")
	}

	if len(m.tasks) == 0 {
		b.WriteString(countStyle.Render("no tasks yet"))
		b.WriteString("\n")
	}
	for _, rec := range m.tasks {
		b.WriteString(m.renderTask(rec))
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render("q: quit"))
	b.WriteString("\n")
	return b.String()
}

func (m watchModel) renderCounts() string {
	order := []TaskStatus{StatusWorking, StatusPending, StatusCompleted, StatusCompletedWithWarnings, StatusCompletedWithErrors, StatusFailed, StatusCanceled, StatusUnknown}
	parts := []string{}
	for _, s := range order {
		if n, ok := m.counts[string(s)]; ok && n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", s, n))
		}
	}
	if len(parts) == 0 {
		return countStyle.Render("empty registry")
	}
	return countStyle.Render(strings.Join(parts, "  "))
}

func (m watchModel) renderTask(rec TaskRecord) string {
	icon := statusStyle(rec.Status).Render(statusIcon(rec.Status))
	id := taskIDStyle.Render(shortTaskID(rec.ID))
	label := statusStyle(rec.Status).Render(fmt.Sprintf("%-24s", rec.Status))

	line := fmt.Sprintf("%s %s %s %-8s", icon, id, label, rec.Agent)
	if TaskStatus(rec.Status) == StatusWorking {
		percent := gjson.Get(rec.Progress, "percentComplete").Float()
		action := gjson.Get(rec.Progress, "currentAction").String()
		line += " " + m.spinner.View() + " " + m.bar.ViewAs(percent)
		if action != "" {
			line += " " + actionStyle.Render(truncateLine(action, m.width-72))
		}
	}
	return line
}

func shortTaskID(id string) string {
	if len(id) <= 19 {
		return id
	}
	return id[:19]
}

func truncateLine(s string, max int) string {
	if max < 8 {
		max = 8
	}
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func runWatch(args []string) int {
	_ = args

	configPath := resolveConfigPath("")
	cfg, err := loadConfigOrEmpty(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	defaults := normalizeDefaults(cfg.Defaults)
	regCfg := normalizeRegistry(cfg.Registry)

	log := newLogger(false)
	reg, err := openRegistry(
		regCfg.Path,
		defaults.WriteRetry,
		time.Duration(defaults.WriteBackoffMs)*time.Millisecond,
		log,
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		// Not a TTY: emit one snapshot instead of the live view.
		return printRegistrySnapshot(reg)
	}

	p := tea.NewProgram(newWatchModel(reg))
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}

func printRegistrySnapshot(reg *Registry) int {
	counts, err := reg.CountByStatus()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	tasks, total, err := reg.ListTasks(TaskQuery{Limit: 15})
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	views := make([]map[string]interface{}, 0, len(tasks))
	for _, rec := range tasks {
		views = append(views, taskView(rec, 0))
	}
	countsPayload := map[string]interface{}{}
	for status, n := range counts {
		countsPayload[status] = n
	}
	printJSON(map[string]interface{}{
		"counts": countsPayload,
		"total":  total,
		"tasks":  views,
	})
	return 0
}
