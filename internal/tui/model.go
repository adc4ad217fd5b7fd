package tui

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"manualrag/internal/domain"
	"manualrag/internal/service"
)

// Asker is the TUI-facing subset of the service.
type Asker interface {
	Ask(ctx context.Context, q domain.Question) (*service.Answer, error)
}

// answerMsg carries the outcome of an asynchronous Ask back into Update.
type answerMsg struct {
	question string
	answer   *service.Answer
	err      error
}

// Model is the Bubble Tea model for the question/answer screen.
type Model struct {
	asker    Asker
	timeout  time.Duration
	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	answer   *service.Answer
	digest   string
	status   string
	cursor   int
	ready    bool
	waiting  bool
	lastAsk  string
}

// New creates a new TUI model. digest is shown under the header; timeout
// bounds each question.
func New(asker Asker, digest string, timeout time.Duration) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask about your manuals and press Enter"
	ti.Focus()
	ti.CharLimit = 0
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	if timeout <= 0 {
		timeout = time.Minute
	}
	return Model{
		asker:    asker,
		timeout:  timeout,
		input:    ti,
		viewport: viewport.New(0, 0),
		spinner:  sp,
		digest:   digest,
		status:   "Ready. Ask a question.",
	}
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

func (m Model) ask(q string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		ans, err := m.asker.Ask(ctx, domain.Question{Text: q})
		return answerMsg{question: q, answer: ans, err: err}
	}
}

// Update handles key, window and answer events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 2 + 1 + qh + 1 // header + digest, status, spacer
		vh := msg.Height - reserved
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, vh-rh)
		m.viewport.SetContent(m.renderAnswer())
		return m, nil
	case answerMsg:
		m.waiting = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			m.answer = nil
		} else {
			m.answer = msg.answer
			m.cursor = 0
			m.lastAsk = msg.question
			m.status = statusLine(msg.answer)
		}
		m.viewport.SetContent(m.renderAnswer())
		m.viewport.GotoTop()
		return m, nil
	case spinner.TickMsg:
		if !m.waiting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q == "" || m.waiting {
				return m, nil
			}
			m.waiting = true
			m.status = fmt.Sprintf("Asking %q", q)
			m.input.SetValue("")
			return m, tea.Batch(m.ask(q), m.spinner.Tick)
		case "down":
			if n := m.sourceCount(); n > 0 {
				m.cursor = (m.cursor + 1) % n
				m.viewport.SetContent(m.renderAnswer())
				return m, nil
			}
		case "up":
			if n := m.sourceCount(); n > 0 {
				m.cursor = (m.cursor - 1 + n) % n
				m.viewport.SetContent(m.renderAnswer())
				return m, nil
			}
		case "pgdown", "pgup":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func statusLine(a *service.Answer) string {
	switch a.Status {
	case domain.OutcomeFailed:
		return fmt.Sprintf("Failed after %d attempts: %s", a.Stats.Attempts, a.Error)
	case domain.OutcomeDegradedNoContext:
		return fmt.Sprintf("Answered in %.1fs, but no retrieved excerpt was relevant", a.Stats.ProcessingTime)
	}
	return fmt.Sprintf("Answered in %.1fs from %d excerpts", a.Stats.ProcessingTime, a.Stats.DocumentsRetrieved)
}

func (m Model) sourceCount() int {
	if m.answer == nil {
		return 0
	}
	return len(m.answer.Sources)
}

// View renders the layout: header, digest, answer box, input and status.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("Manual Assistant")
	digest := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.digest)
	input := queryBoxStyle.Render(m.input.View())
	status := m.status
	if m.waiting {
		status = m.spinner.View() + " " + status
	}
	status = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(status)
	results := resultBoxStyle.Render(m.viewport.View())
	return header + "\n" + digest + "\n" + results + "\n" + input + "\n" + status
}

func (m Model) renderAnswer() string {
	if m.answer == nil {
		return "No answer yet."
	}
	var b strings.Builder
	if m.answer.Text != "" {
		b.WriteString(m.answer.Text)
	} else {
		b.WriteString("(no answer)")
	}
	if len(m.answer.Sources) == 0 {
		return b.String()
	}
	src := m.answer.Sources[m.cursor]
	label := fmt.Sprintf("Source %d/%d  %s (page %d)  score=%.3f",
		m.cursor+1, len(m.answer.Sources), src.DocumentID, src.Page, src.Score)
	b.WriteString("\n\n")
	b.WriteString(sourceStyle.Render(label))
	b.WriteString("\n")
	b.WriteString(highlightBestSentence(src.Excerpt, m.lastAsk))
	return b.String()
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	sourceStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	unicodeWordRe  = regexp.MustCompile(`[\p{L}\p{N}]+(?:['’]\p{L}+)*`)
	sentenceRe     = regexp.MustCompile(`(?m)(?U)([^.!?]+[.!?])`)
)

// highlightBestSentence emphasizes the sentence of text sharing the most
// words with query.
func highlightBestSentence(text, query string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	sentences := sentenceRe.FindAllString(text, -1)
	if len(sentences) == 0 {
		sentences = []string{strings.TrimSpace(text)}
	}
	qTokens := toTokenSet(query)
	if len(qTokens) == 0 {
		return strings.Join(sentences, " ")
	}
	bestIdx := 0
	bestScore := -1
	for i, s := range sentences {
		if score := tokenOverlapScore(qTokens, s); score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	for i := range sentences {
		sent := strings.TrimSpace(sentences[i])
		if i == bestIdx {
			sentences[i] = highlightStyle.Render(sent)
		} else {
			sentences[i] = sent
		}
	}
	return strings.Join(sentences, " ")
}

func toTokenSet(s string) map[string]struct{} {
	tokens := unicodeWordRe.FindAllString(strings.ToLower(s), -1)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

func tokenOverlapScore(queryTokens map[string]struct{}, sentence string) int {
	score := 0
	seen := make(map[string]struct{})
	for _, t := range unicodeWordRe.FindAllString(strings.ToLower(sentence), -1) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := queryTokens[t]; ok {
			score++
		}
	}
	return score
}
