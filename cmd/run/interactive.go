package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-vfs/runtime"
	"github.com/wippyai/wasm-vfs/worker"
)

const historySize = 8

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#3C6E71")).
			Padding(0, 1)
	nameStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A3D9A5"))
	kindStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#8EC5FC"))
	cursorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFD166"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#A3D9A5"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF6F6C"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C757D"))
)

type keyMap struct {
	Up, Down, Call, Next, Back, Quit key.Binding
}

var keys = keyMap{
	Up:   key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down: key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Call: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "call")),
	Next: key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "next arg")),
	Back: key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
	Quit: key.NewBinding(key.WithKeys("ctrl+c"), key.WithHelp("ctrl+c", "quit")),
}

func helpLine(bs ...key.Binding) string {
	parts := make([]string, len(bs))
	for i, b := range bs {
		h := b.Help()
		parts[i] = h.Key + " " + h.Desc
	}
	return dimStyle.Render(strings.Join(parts, " · "))
}

type screen int

const (
	screenLoading screen = iota
	screenExports
	screenArgs
)

// console is the interactive runner. Every engine call goes through one
// worker, so commands started by the terminal loop never overlap.
type console struct {
	ctx      context.Context
	rt       *runtime.Runtime
	w        *worker.Worker
	module   string
	data     []byte
	backends []string

	screen  screen
	exports []funcInfo
	cursor  int
	args    []textinput.Model
	focus   int
	busy    bool
	fatal   error
	history []callRecord
}

// callRecord is one finished call shown in the scrollback.
type callRecord struct {
	call  string
	out   string
	err   error
	stats string
}

type openedMsg struct {
	w        *worker.Worker
	exports  []funcInfo
	backends []string
	err      error
}

type calledMsg callRecord

func newConsole(ctx context.Context, rt *runtime.Runtime, module string, data []byte) *console {
	return &console{ctx: ctx, rt: rt, module: module, data: data}
}

func (c *console) Init() tea.Cmd {
	return c.open
}

func (c *console) open() tea.Msg {
	w, err := worker.New(c.ctx, func(ctx context.Context) (*runtime.Instance, error) {
		return c.rt.Open(ctx, c.data)
	})
	if err != nil {
		return openedMsg{err: err}
	}
	var msg openedMsg
	_, err = w.Do(c.ctx, func(_ context.Context, inst *runtime.Instance) (any, error) {
		msg.exports = exportedFuncs(inst)
		msg.backends = inst.VFS().Names()
		return nil, nil
	})
	if err != nil {
		w.Close()
		return openedMsg{err: err}
	}
	msg.w = w
	return msg
}

func (c *console) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case openedMsg:
		if msg.err != nil {
			c.fatal = msg.err
			return c, nil
		}
		c.w, c.exports, c.backends = msg.w, msg.exports, msg.backends
		c.screen = screenExports
		return c, nil

	case calledMsg:
		c.busy = false
		c.history = append(c.history, callRecord(msg))
		if len(c.history) > historySize {
			c.history = c.history[len(c.history)-historySize:]
		}
		return c, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) || (c.fatal != nil && msg.String() == "q") {
			c.shutdown()
			return c, tea.Quit
		}
		switch c.screen {
		case screenExports:
			return c.onExportsKey(msg)
		case screenArgs:
			return c.onArgsKey(msg)
		}
	}
	return c, nil
}

func (c *console) shutdown() {
	if c.w != nil {
		c.w.Close()
		c.w = nil
	}
}

func (c *console) onExportsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case msg.String() == "q":
		c.shutdown()
		return c, tea.Quit
	case key.Matches(msg, keys.Up):
		if c.cursor > 0 {
			c.cursor--
		}
	case key.Matches(msg, keys.Down):
		if c.cursor < len(c.exports)-1 {
			c.cursor++
		}
	case key.Matches(msg, keys.Call):
		if len(c.exports) == 0 || c.busy {
			return c, nil
		}
		c.args = argInputs(c.exports[c.cursor])
		c.focus = 0
		if len(c.args) == 0 {
			return c, c.submit()
		}
		c.screen = screenArgs
	}
	return c, nil
}

func (c *console) onArgsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Back):
		c.screen = screenExports
		c.args = nil
		return c, nil
	case key.Matches(msg, keys.Call):
		if c.busy {
			return c, nil
		}
		c.screen = screenExports
		return c, c.submit()
	case key.Matches(msg, keys.Next):
		c.args[c.focus].Blur()
		c.focus = (c.focus + 1) % len(c.args)
		return c, c.args[c.focus].Focus()
	}
	var cmd tea.Cmd
	c.args[c.focus], cmd = c.args[c.focus].Update(msg)
	return c, cmd
}

func argInputs(f funcInfo) []textinput.Model {
	in := make([]textinput.Model, len(f.params))
	for i, p := range f.params {
		ti := textinput.New()
		ti.Prompt = fmt.Sprintf("  $%d ", i)
		ti.Placeholder = api.ValueTypeName(p)
		ti.CharLimit = 256
		ti.Width = 48
		if i == 0 {
			ti.Focus()
		}
		in[i] = ti
	}
	return in
}

// submit captures the selected export and its arguments and runs the call
// on the worker.
func (c *console) submit() tea.Cmd {
	f := c.exports[c.cursor]
	args := make([]string, len(c.args))
	for i := range c.args {
		args[i] = c.args[i].Value()
	}
	c.args = nil
	c.busy = true
	w, ctx := c.w, c.ctx
	return func() tea.Msg {
		rec := calledMsg{call: f.name + "(" + strings.Join(args, ", ") + ")"}
		_, err := w.Do(ctx, func(ctx context.Context, inst *runtime.Instance) (any, error) {
			params, err := encodeArgs(f, args)
			if err != nil {
				return nil, err
			}
			res, err := inst.Go(ctx, f.name, params...).Wait()
			if err != nil {
				return nil, err
			}
			st := inst.Bridge().Stats()
			rec.out = formatResults(f, res)
			rec.stats = fmt.Sprintf("calls=%d suspends=%d replays=%d memo=%d",
				st.Calls, st.Suspends, st.Replays, st.MemoHits)
			return nil, nil
		})
		rec.err = err
		return rec
	}
}

func (c *console) View() string {
	if c.fatal != nil {
		return failStyle.Render("open "+c.module+": "+c.fatal.Error()) + "\n\n" + dimStyle.Render("q quit")
	}
	if c.screen == screenLoading {
		return dimStyle.Render("instantiating " + c.module + " ...")
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(c.module))
	b.WriteString(" " + dimStyle.Render("vfs: "+strings.Join(c.backends, ", ")))
	b.WriteString("\n\n")

	switch c.screen {
	case screenExports:
		for i, f := range c.exports {
			mark := "  "
			if i == c.cursor {
				mark = cursorStyle.Render("▸ ")
			}
			b.WriteString(mark + signature(f) + "\n")
		}
		if len(c.exports) == 0 {
			b.WriteString(dimStyle.Render("no callable exports") + "\n")
		}
	case screenArgs:
		f := c.exports[c.cursor]
		b.WriteString(signature(f) + "\n")
		for _, in := range c.args {
			b.WriteString(in.View() + "\n")
		}
	}

	if len(c.history) > 0 {
		b.WriteString("\n")
		for _, r := range c.history {
			if r.err != nil {
				b.WriteString(failStyle.Render("✗ "+r.call+": "+r.err.Error()) + "\n")
				continue
			}
			b.WriteString(okStyle.Render("✓ "+r.call+" = "+r.out) + " " + dimStyle.Render(r.stats) + "\n")
		}
	}
	if c.busy {
		b.WriteString(dimStyle.Render("running ...") + "\n")
	}

	b.WriteString("\n")
	if c.screen == screenArgs {
		b.WriteString(helpLine(keys.Next, keys.Call, keys.Back, keys.Quit))
	} else {
		b.WriteString(helpLine(keys.Up, keys.Down, keys.Call, keys.Quit))
	}
	return b.String()
}

func signature(f funcInfo) string {
	params := make([]string, len(f.params))
	for i, p := range f.params {
		params[i] = kindStyle.Render(api.ValueTypeName(p))
	}
	s := nameStyle.Render(f.name) + "(" + strings.Join(params, ", ") + ")"
	if len(f.results) > 0 {
		results := make([]string, len(f.results))
		for i, r := range f.results {
			results[i] = api.ValueTypeName(r)
		}
		s += " → " + kindStyle.Render(strings.Join(results, ", "))
	}
	return s
}

func runInteractive(ctx context.Context, rt *runtime.Runtime, module string, data []byte) error {
	_, err := tea.NewProgram(newConsole(ctx, rt, module, data), tea.WithAltScreen()).Run()
	return err
}
