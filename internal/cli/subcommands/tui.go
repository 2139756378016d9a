package subcommands

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"LlamaRun/internal/runtime"
)

// Styles define the UI theme
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00D9FF")).
			Background(lipgloss.Color("#1a1a2e")).
			Padding(0, 2)

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF6B6B")).
			PaddingLeft(1)

	botStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#4ECDC4")).
			PaddingLeft(1)

	systemStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFE66D")).
			PaddingLeft(1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666680")).
			Italic(true).
			PaddingLeft(2)

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666680")).
			Italic(true).
			PaddingLeft(2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#3d3d5c"))

	inputBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("#00D9FF"))

	suggestionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#00D9FF")).
			Padding(0, 1)

	normalSuggestionStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#666680")).
				Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#4a4a6a")).
			PaddingLeft(1)

	streamingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#4ECDC4")).
			Italic(true)
)

var placeholders = []string{
	"Once upon a time",
	"Explain how a hash map works.",
	"Write a haiku about autumn.",
	"Type /help to see available commands",
	"Summarize the plot of Hamlet in three sentences.",
}

var availableCommands = []string{
	"/help", "/config", "/stats", "/tokens", "/clear", "/set", "/exit", "/quit",
}

var menuOptions = []string{
	"Stop Generation",
	"Clear History",
	"Toggle Stats",
	"Toggle Raw Prompt",
	"Exit LlamaRun",
}

type message struct {
	role     string
	content  string
	finish   string
	stats    *runtime.Stats
	duration time.Duration
}

// generation tracks the cancel func of the running request. It is shared by
// every copy of the model.
type generation struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (g *generation) set(cancel context.CancelFunc) {
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()
}

func (g *generation) stop() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel == nil {
		return false
	}
	g.cancel()
	g.cancel = nil
	return true
}

type tuiModel struct {
	ctx      context.Context
	backend  Backend
	session  Session
	subtitle string
	gen      *generation
	program  *tea.Program

	viewport viewport.Model
	textarea textarea.Model
	spinner  spinner.Model
	messages []message
	last     *runtime.Stats
	lastEnd  string
	ready    bool
	loading  bool
	stopping bool
	renderer *glamour.TermRenderer
	width    int
	height   int

	suggestions     []string
	suggestionIdx   int
	showSuggestions bool

	menuOpen bool
	menuIdx  int
}

func initialModel(ctx context.Context, backend Backend, sess Session, subtitle string) tuiModel {
	ta := textarea.New()
	ta.Placeholder = placeholders[rand.IntN(len(placeholders))]
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 10000
	ta.SetWidth(80)
	ta.SetHeight(5)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#4ECDC4"))

	renderer, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)

	return tuiModel{
		ctx:      ctx,
		backend:  backend,
		session:  sess,
		subtitle: subtitle,
		gen:      &generation{},
		textarea: ta,
		spinner:  s,
		renderer: renderer,
	}
}

func (m tuiModel) Init() tea.Cmd {
	return textarea.Blink
}

// streamDelta carries text appended by one stream event.
type streamDelta struct {
	delta string
}

// generationDone ends a generation. text is authoritative over the deltas.
type generationDone struct {
	text    string
	finish  string
	stats   *runtime.Stats
	err     error
	elapsed time.Duration
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		taCmd tea.Cmd
		vpCmd tea.Cmd
		spCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.menuOpen {
			switch msg.Type {
			case tea.KeyUp:
				m.menuIdx = (m.menuIdx - 1 + len(menuOptions)) % len(menuOptions)
			case tea.KeyDown:
				m.menuIdx = (m.menuIdx + 1) % len(menuOptions)
			case tea.KeyEnter:
				m.menuOpen = false
				return m, m.handleMenuSelection()
			case tea.KeyEsc, tea.KeyCtrlO:
				m.menuOpen = false
			}
			return m, nil
		}

		if m.showSuggestions {
			switch msg.Type {
			case tea.KeyUp:
				m.suggestionIdx = (m.suggestionIdx - 1 + len(m.suggestions)) % len(m.suggestions)
				return m, nil
			case tea.KeyDown:
				m.suggestionIdx = (m.suggestionIdx + 1) % len(m.suggestions)
				return m, nil
			case tea.KeyEnter, tea.KeyTab:
				m.textarea.SetValue(m.suggestions[m.suggestionIdx] + " ")
				m.textarea.CursorEnd()
				m.showSuggestions = false
				return m, nil
			case tea.KeyEsc:
				m.showSuggestions = false
				return m, nil
			}
		}

		switch msg.Type {
		case tea.KeyCtrlC:
			m.gen.stop()
			return m, tea.Quit

		case tea.KeyEsc:
			if m.loading {
				m.stopGeneration()
				return m, nil
			}
			return m, tea.Quit

		case tea.KeyCtrlO:
			m.menuOpen = !m.menuOpen
			m.menuIdx = 0
			return m, nil

		case tea.KeyCtrlS:
			if m.loading {
				return m, nil
			}
			input := m.textarea.Value()
			if strings.TrimSpace(input) == "" {
				return m, nil
			}
			if handled, cmd := m.handleLocalCommand(strings.TrimSpace(input)); handled {
				m.textarea.Reset()
				return m, cmd
			}

			m.messages = append(m.messages,
				message{role: "User", content: input},
				message{role: "LlamaRun"},
			)
			m.textarea.Reset()
			m.loading = true
			m.stopping = false
			m.updateViewport()

			return m, tea.Batch(m.spinner.Tick, m.startGeneration(input))
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 2
		inputHeight := 5
		verticalMarginHeight := headerHeight + inputHeight

		if !m.ready {
			m.viewport = viewport.New(msg.Width-4, msg.Height-verticalMarginHeight-4)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = msg.Width - 4
			m.viewport.Height = msg.Height - verticalMarginHeight - 4
		}
		m.textarea.SetWidth(msg.Width - 6)

		r, _ := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(m.viewport.Width-4),
		)
		m.renderer = r
		m.updateViewport()

	case streamDelta:
		if m.loading && len(m.messages) > 0 {
			m.messages[len(m.messages)-1].content += msg.delta
			m.updateViewport()
		}
		return m, nil

	case generationDone:
		m.loading = false
		m.stopping = false
		last := &m.messages[len(m.messages)-1]
		if msg.err != nil {
			last.content = "Error: " + msg.err.Error()
		} else {
			last.content = msg.text
			last.finish = msg.finish
			last.stats = msg.stats
			last.duration = msg.elapsed
			m.last = msg.stats
			m.lastEnd = msg.finish
		}
		m.updateViewport()
		return m, nil

	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		m.spinner, spCmd = m.spinner.Update(msg)
		m.updateViewport()
		return m, spCmd
	}

	m.textarea, taCmd = m.textarea.Update(msg)

	val := m.textarea.Value()
	m.showSuggestions = false
	if strings.HasPrefix(val, "/") && !strings.Contains(val, " ") {
		m.suggestions = m.suggestions[:0]
		for _, cmd := range availableCommands {
			if strings.HasPrefix(cmd, val) {
				m.suggestions = append(m.suggestions, cmd)
			}
		}
		if len(m.suggestions) > 0 {
			m.showSuggestions = true
			if m.suggestionIdx >= len(m.suggestions) {
				m.suggestionIdx = 0
			}
		}
	}

	m.viewport, vpCmd = m.viewport.Update(msg)
	return m, tea.Batch(taCmd, vpCmd)
}

// startGeneration streams one completion in a tea.Cmd; deltas reach the
// model through program.Send.
func (m tuiModel) startGeneration(prompt string) tea.Cmd {
	ctx, cancel := context.WithCancel(m.ctx)
	m.gen.set(cancel)
	backend, req, program := m.backend, m.session.Request(prompt), m.program

	return func() tea.Msg {
		defer cancel()
		start := time.Now()
		var final runtime.StreamEvent
		err := backend.Stream(ctx, req, func(ev runtime.StreamEvent) error {
			if ev.Final {
				final = ev
				return nil
			}
			if program != nil {
				program.Send(streamDelta{delta: ev.Delta})
			}
			return nil
		})
		m.gen.set(nil)
		return generationDone{
			text:    final.Text,
			finish:  final.Finish,
			stats:   final.Stats,
			err:     err,
			elapsed: time.Since(start),
		}
	}
}

func (m *tuiModel) stopGeneration() {
	if m.gen.stop() {
		m.stopping = true
		m.updateViewport()
	}
}

func (m *tuiModel) system(content string) {
	m.messages = append(m.messages, message{role: "System", content: content})
	m.updateViewport()
}

func (m *tuiModel) handleMenuSelection() tea.Cmd {
	switch m.menuIdx {
	case 0:
		m.stopGeneration()
	case 1:
		if !m.loading {
			m.messages = nil
			m.viewport.SetContent("")
		}
	case 2:
		m.session.ShowStats = !m.session.ShowStats
		m.system(fmt.Sprintf("Show stats: %v", m.session.ShowStats))
	case 3:
		m.session.Raw = !m.session.Raw
		m.system(fmt.Sprintf("Raw prompt: %v", m.session.Raw))
	case 4:
		m.gen.stop()
		return tea.Quit
	}
	return nil
}

func (m *tuiModel) handleLocalCommand(input string) (bool, tea.Cmd) {
	if !strings.HasPrefix(input, "/") {
		return false, nil
	}
	fields := strings.Fields(input)
	rest := strings.TrimSpace(strings.TrimPrefix(input, fields[0]))

	switch strings.ToLower(fields[0]) {
	case "/clear":
		m.messages = nil
		m.viewport.SetContent("")

	case "/help":
		m.system(`
### Available Commands
- **/help**: Show this help message
- **/config**: Show session settings
- **/stats**: Show statistics of the last generation
- **/tokens <text>**: Show how text is tokenized
- **/clear**: Clear the transcript
- **/set <param> <value>**: temperature, max_tokens, top_k, top_p, min_p, repeat_penalty, repeat_last_n, stop, system, raw, stats
- **/exit**: Close the application

**Ctrl+S** sends, **Esc** stops a running generation, **Ctrl+O** opens the menu.
`)

	case "/config":
		m.system(describeSession(m.session))

	case "/stats":
		if m.last == nil {
			m.system("No generation yet.")
		} else {
			m.system(formatStats(*m.last, m.lastEnd))
		}

	case "/tokens":
		var sb strings.Builder
		if err := printTokens(m.backend, rest, &sb); err != nil {
			m.system("Error: " + err.Error())
		} else {
			m.system("```\n" + sb.String() + "```")
		}

	case "/set":
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) < 2 {
			m.system("Usage: /set <param> <value>")
			break
		}
		if err := setParam(&m.session, parts[0], parts[1]); err != nil {
			m.system("Error: " + err.Error())
			break
		}
		m.system(fmt.Sprintf("Parameter '%s' updated to '%s'", parts[0], strings.TrimSpace(parts[1])))

	case "/exit", "/quit":
		return true, tea.Quit

	default:
		m.system(fmt.Sprintf("Unknown command %s. Type /help for the list.", fields[0]))
	}
	return true, nil
}

func (m *tuiModel) updateViewport() {
	var sb strings.Builder

	for i, msg := range m.messages {
		switch msg.role {
		case "System":
			sb.WriteString(systemStyle.Render("SYSTEM") + "\n")
			rendered := msg.content
			if m.renderer != nil {
				if r, err := m.renderer.Render(msg.content); err == nil {
					rendered = r
				}
			}
			sb.WriteString(rendered + "\n")

		case "User":
			sb.WriteString(userStyle.Render("YOU") + "\n")
			sb.WriteString(msg.content + "\n\n")

		default:
			sb.WriteString(botStyle.Render("LLAMARUN") + "\n")
			streaming := m.loading && i == len(m.messages)-1
			switch {
			case streaming || m.renderer == nil:
				sb.WriteString(msg.content + "\n")
			case msg.content != "":
				r, err := m.renderer.Render(msg.content)
				if err != nil {
					r = msg.content + "\n"
				}
				sb.WriteString(r)
			}
			if msg.finish == runtime.FinishCancelled {
				sb.WriteString(statsStyle.Render("[stopped]") + "\n")
			}
			if !streaming && m.session.ShowStats && msg.stats != nil {
				line := formatStats(*msg.stats, msg.finish) + " | " + msg.duration.Truncate(time.Millisecond).String()
				sb.WriteString(statsStyle.Render(line) + "\n")
			}
			sb.WriteString("\n")
		}
	}

	if m.loading {
		status := " Generating..."
		if m.stopping {
			status = " Stopping..."
		}
		sb.WriteString("\n" + m.spinner.View() + streamingStyle.Render(status))
	}

	m.viewport.SetContent(sb.String())
	m.viewport.GotoBottom()
}

func (m tuiModel) View() string {
	if !m.ready {
		return "\n  Initializing LlamaRun..."
	}

	header := lipgloss.JoinHorizontal(lipgloss.Center,
		titleStyle.Render(" LlamaRun "),
		subtitleStyle.Render(m.subtitle),
	)
	body := borderStyle.Render(m.viewport.View())

	inputArea := m.textarea.View()
	if m.showSuggestions && len(m.suggestions) > 0 {
		var sugg strings.Builder
		for i, s := range m.suggestions {
			if i == m.suggestionIdx {
				sugg.WriteString(suggestionStyle.Render(s) + "\n")
			} else {
				sugg.WriteString(normalSuggestionStyle.Render(s) + "\n")
			}
		}
		inputArea = lipgloss.JoinVertical(lipgloss.Left,
			lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("#00D9FF")).
				Padding(0, 1).
				Render(sugg.String()),
			inputArea,
		)
	}

	mainView := fmt.Sprintf("%s\n%s\n%s", header, body, inputBorderStyle.Render(inputArea))

	if m.menuOpen {
		var menu strings.Builder
		menu.WriteString(lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00D9FF")).Render("OPTIONS") + "\n\n")
		for i, opt := range menuOptions {
			if i == m.menuIdx {
				menu.WriteString(lipgloss.NewStyle().
					Background(lipgloss.Color("#00D9FF")).
					Foreground(lipgloss.Color("#1a1a2e")).
					Bold(true).
					Padding(0, 1).
					Render("> "+opt) + "\n")
			} else {
				menu.WriteString(lipgloss.NewStyle().
					Foreground(lipgloss.Color("#a0a0b0")).
					Padding(0, 1).
					Render("  "+opt) + "\n")
			}
		}
		popup := lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("#00D9FF")).
			Padding(1, 2).
			Render(menu.String())

		mainView = lipgloss.Place(m.width, m.height,
			lipgloss.Center, lipgloss.Center,
			popup,
			lipgloss.WithWhitespaceChars(" "),
			lipgloss.WithWhitespaceForeground(lipgloss.Color("#0a0a14")),
		)
	}

	help := helpStyle.Render(fmt.Sprintf("Ctrl+S Send | Esc Stop | Ctrl+O Menu | /help Commands | Stats: %v | Raw: %v",
		m.session.ShowStats, m.session.Raw))
	return mainView + "\n" + help
}

// RunTui runs the full-screen terminal UI until the user quits. Closing the
// UI cancels any generation in flight.
func RunTui(ctx context.Context, backend Backend, sess Session, subtitle string) error {
	m := initialModel(ctx, backend, sess, subtitle)
	p := tea.NewProgram(
		&m,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
		tea.WithContext(ctx),
	)
	m.program = p

	_, err := p.Run()
	m.gen.stop()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}
