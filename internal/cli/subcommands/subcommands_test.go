package subcommands

import (
	"bytes"
	"context"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LlamaRun/internal/config"
	"LlamaRun/internal/engine/enginetest"
	"LlamaRun/internal/runtime"
)

func fakeConfig() config.Config {
	cfg := config.Default()
	cfg.Runtime.Backend = "fake"
	cfg.Runtime.Native.ModelPath = "fake.gguf"
	cfg.Conversation.Template = runtime.TemplateRaw
	return cfg
}

func newFakeManager(t *testing.T, m *enginetest.Model) *runtime.Manager {
	t.Helper()
	reg := runtime.NewRegistry()
	reg.Register("fake", func(ctx context.Context, cfg config.Config, progress func(float32)) (runtime.Adapter, error) {
		return runtime.NewEngineAdapter(ctx, "fake", &enginetest.Loader{Model: m, Progress: []float32{0.5, 1}}, cfg, progress)
	})
	mgr, err := LoadManager(context.Background(), fakeConfig(), reg, true)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

func TestSetParam(t *testing.T) {
	tests := []struct {
		param, value string
		check        func(t *testing.T, s Session)
	}{
		{"temperature", "0", func(t *testing.T, s Session) {
			require.NotNil(t, s.Options.Temperature)
			assert.Zero(t, *s.Options.Temperature)
		}},
		{"max-tokens", "12", func(t *testing.T, s Session) { assert.Equal(t, 12, s.Options.MaxTokens) }},
		{"top_k", "5", func(t *testing.T, s Session) { assert.Equal(t, 5, s.Options.TopK) }},
		{"top_p", "0.5", func(t *testing.T, s Session) { assert.Equal(t, 0.5, s.Options.TopP) }},
		{"min_p", "0.1", func(t *testing.T, s Session) { assert.Equal(t, 0.1, s.Options.MinP) }},
		{"repeat_penalty", "1.2", func(t *testing.T, s Session) { assert.Equal(t, 1.2, s.Options.RepeatPenalty) }},
		{"repeat_last_n", "32", func(t *testing.T, s Session) { assert.Equal(t, 32, s.Options.RepeatLastN) }},
		{"stop", "</s>, ###,", func(t *testing.T, s Session) { assert.Equal(t, []string{"</s>", "###"}, s.Options.Stop) }},
		{"system", " be brief ", func(t *testing.T, s Session) { assert.Equal(t, "be brief", s.System) }},
		{"raw", "on", func(t *testing.T, s Session) { assert.True(t, s.Raw) }},
		{"stats", "yes", func(t *testing.T, s Session) { assert.True(t, s.ShowStats) }},
	}
	for _, tt := range tests {
		t.Run(tt.param, func(t *testing.T) {
			var s Session
			require.NoError(t, setParam(&s, tt.param, tt.value))
			tt.check(t, s)
		})
	}

	var s Session
	assert.Error(t, setParam(&s, "temperature", "-1"))
	assert.Error(t, setParam(&s, "max_tokens", "many"))
	assert.Error(t, setParam(&s, "raw", "maybe"))
	assert.Error(t, setParam(&s, "rag", "on"))
}

func TestSessionRequestCopiesStop(t *testing.T) {
	s := Session{System: "sys", Options: runtime.GenerationOptions{Stop: []string{"x"}}}
	req := s.Request("hi")
	req.Options.Stop[0] = "y"
	assert.Equal(t, "x", s.Options.Stop[0])
	assert.Equal(t, "hi", req.Prompt)
	assert.Equal(t, "sys", req.System)
}

// ---------------------------------------------------------------------------
// Line front end
// ---------------------------------------------------------------------------

func TestRunPrompt(t *testing.T) {
	mgr := newFakeManager(t, enginetest.ScriptText("hello world"))

	var out bytes.Buffer
	sess := Session{ShowStats: true, Options: runtime.GenerationOptions{MaxTokens: 5}}
	require.NoError(t, RunPrompt(context.Background(), mgr, sess, "q", &out))
	assert.True(t, strings.HasPrefix(out.String(), "hello\n"))
	assert.Contains(t, out.String(), "gen=5")
	assert.Contains(t, out.String(), runtime.FinishLength)
}

func TestRunCli(t *testing.T) {
	mgr := newFakeManager(t, enginetest.ScriptText("hello"))

	in := strings.NewReader("/set max_tokens 3\n\nq\n/bogus\n/exit\n")
	var out bytes.Buffer
	require.NoError(t, RunCli(context.Background(), mgr, Session{}, in, &out))

	s := out.String()
	assert.Contains(t, s, "max_tokens")
	assert.Contains(t, s, "LlamaRun: "+colorReset+"hel\n")
	assert.Contains(t, s, "Unknown command: /bogus")
	assert.Contains(t, s, "Goodbye!")
}

func TestRunCliStopsAtEOF(t *testing.T) {
	mgr := newFakeManager(t, enginetest.ScriptText("hi"))
	var out bytes.Buffer
	require.NoError(t, RunCli(context.Background(), mgr, Session{}, strings.NewReader(""), &out))
}

func TestRunTokenize(t *testing.T) {
	mgr := newFakeManager(t, enginetest.NewModel())

	var table bytes.Buffer
	require.NoError(t, RunTokenize(mgr, "ab", false, &table))
	assert.Contains(t, table.String(), `"a"`)
	assert.Contains(t, table.String(), "3 tokens")

	var raw bytes.Buffer
	require.NoError(t, RunTokenize(mgr, "ab", true, &raw))
	var rows []struct {
		ID    int32  `json:"id"`
		Piece string `json:"piece"`
	}
	require.NoError(t, json.Unmarshal(raw.Bytes(), &rows))
	require.Len(t, rows, 3)
	assert.Equal(t, enginetest.BOS, rows[0].ID)
	assert.Equal(t, "b", rows[2].Piece)

	assert.Error(t, RunTokenize(mgr, "", false, &table))
}

func TestRunConfig(t *testing.T) {
	cfg := fakeConfig()

	var y bytes.Buffer
	require.NoError(t, RunConfig(cfg, "yaml", &y))
	assert.Contains(t, y.String(), "model_path: fake.gguf")

	var tm bytes.Buffer
	require.NoError(t, RunConfig(cfg, "toml", &tm))
	assert.Contains(t, tm.String(), `model_path = "fake.gguf"`)

	assert.Error(t, RunConfig(cfg, "xml", &y))
}

// ---------------------------------------------------------------------------
// TUI model
// ---------------------------------------------------------------------------

func readyModel(t *testing.T, backend Backend) tuiModel {
	t.Helper()
	m := initialModel(context.Background(), backend, Session{}, "fake")
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	return next.(tuiModel)
}

func submit(m tuiModel, text string) (tuiModel, tea.Cmd) {
	m.textarea.SetValue(text)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlS})
	return next.(tuiModel), cmd
}

func TestTuiSlashCommands(t *testing.T) {
	mgr := newFakeManager(t, enginetest.NewModel())
	m := readyModel(t, mgr)

	m, _ = submit(m, "/set temperature 0")
	require.NotNil(t, m.session.Options.Temperature)
	assert.Zero(t, *m.session.Options.Temperature)
	assert.False(t, m.loading)

	m, _ = submit(m, "/tokens ab")
	last := m.messages[len(m.messages)-1]
	assert.Equal(t, "System", last.role)
	assert.Contains(t, last.content, "3 tokens")

	m, _ = submit(m, "/clear")
	assert.Empty(t, m.messages)

	_, cmd := submit(m, "/exit")
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestTuiGeneration(t *testing.T) {
	mgr := newFakeManager(t, enginetest.ScriptText("hello"))
	m := readyModel(t, mgr)
	m.session.Options.MaxTokens = 4

	m, cmd := submit(m, "q")
	require.NotNil(t, cmd)
	assert.True(t, m.loading)
	require.Len(t, m.messages, 2)

	next, _ := m.Update(streamDelta{delta: "he"})
	m = next.(tuiModel)
	assert.Equal(t, "he", m.messages[1].content)

	done := m.startGeneration("q")()
	next, _ = m.Update(done)
	m = next.(tuiModel)
	assert.False(t, m.loading)
	assert.Equal(t, "hell", m.messages[1].content)
	assert.Equal(t, runtime.FinishLength, m.messages[1].finish)
	require.NotNil(t, m.last)
	assert.Equal(t, 4, m.last.TokensGenerated)
}

func TestTuiEscStopsGeneration(t *testing.T) {
	m := readyModel(t, newFakeManager(t, enginetest.NewModel()))

	ctx, cancel := context.WithCancel(context.Background())
	m.gen.set(cancel)
	m.loading = true
	m.messages = []message{{role: "User", content: "q"}, {role: "LlamaRun"}}

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = next.(tuiModel)
	assert.Nil(t, cmd, "Esc does not quit while generating")
	assert.True(t, m.stopping)
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	next, _ = m.Update(generationDone{text: "partial", finish: runtime.FinishCancelled})
	m = next.(tuiModel)
	assert.False(t, m.loading)
	assert.Contains(t, m.viewport.View(), "[stopped]")
}
