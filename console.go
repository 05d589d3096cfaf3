package main

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nsf/termbox-go"
)

// consoleChatID is the session key the terminal driver uses, real Telegram chat ids are never 0.
const consoleChatID int64 = 0

var spinnerFrames = []rune{'|', '/', '-', '\\'}

type consoleEvent struct {
	reply    *Reply
	err      error
	finished bool
}

// consoleUI drives the Conversation from a terminal: replies scroll in the transcript, the current
// menu sits above the prompt, Tab/arrows pick a button and Enter on an empty prompt presses it.
type consoleUI struct {
	ctx    context.Context
	conv   *Conversation
	events chan consoleEvent
	done   chan struct{}

	transcript    []string
	buttons       []Button
	selected      int
	promptBuffer  []rune
	busy          bool
	busyLabel     string
	spinnerFrame  int
	statusMessage string
	cursorVisible bool
	flashUntil    time.Time
}

func newConsoleUI(ctx context.Context, conv *Conversation) *consoleUI {
	return &consoleUI{
		ctx:           ctx,
		conv:          conv,
		events:        make(chan consoleEvent, 16),
		done:          make(chan struct{}),
		cursorVisible: true,
	}
}

func (ui *consoleUI) Run() error {
	if err := termbox.Init(); err != nil {
		return err
	}
	defer termbox.Close()
	defer close(ui.done)
	eventCh := make(chan termbox.Event)
	go func() {
		for {
			eventCh <- termbox.PollEvent()
		}
	}()
	ticker := time.NewTicker(120 * time.Millisecond)
	defer ticker.Stop()

	ui.startCompute("/start", func(ctx context.Context, out Replier) error {
		return ui.conv.Start(ctx, consoleChatID, out)
	})
	for {
		ui.draw()
		select {
		case <-ui.ctx.Done():
			return nil
		case ev := <-eventCh:
			switch ev.Type {
			case termbox.EventError:
				return ev.Err
			case termbox.EventResize:
				continue
			case termbox.EventKey:
				if ui.handleKey(ev) {
					return nil
				}
			}
		case ev := <-ui.events:
			ui.apply(ev)
		case <-ticker.C:
			if ui.busy {
				ui.spinnerFrame = (ui.spinnerFrame + 1) % len(spinnerFrames)
			}
			ui.cursorVisible = !ui.cursorVisible || ui.busy
		}
	}
}

// consoleReplier hands replies to the UI loop.
type consoleReplier struct {
	events chan<- consoleEvent
	done   <-chan struct{}
}

func (cr *consoleReplier) Reply(ctx context.Context, r Reply) error {
	select {
	case cr.events <- consoleEvent{reply: &r}:
		return nil
	case <-cr.done:
		return fmt.Errorf("console closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ui *consoleUI) startCompute(label string, call func(ctx context.Context, out Replier) error) {
	ui.busy = true
	ui.busyLabel = label
	ui.spinnerFrame = 0
	ui.statusMessage = ""
	out := &consoleReplier{events: ui.events, done: ui.done}
	go func() {
		err := call(ui.ctx, out)
		select {
		case ui.events <- consoleEvent{err: err, finished: true}:
		case <-ui.done:
		}
	}()
}

func (ui *consoleUI) apply(ev consoleEvent) {
	if ev.reply != nil {
		if ev.reply.ForgetInput {
			ui.maskLastInput()
		}
		ui.transcript = append(ui.transcript, splitLines(plainText(ev.reply.Text))...)
		ui.transcript = append(ui.transcript, "")
		if len(ev.reply.Buttons) > 0 {
			ui.buttons = flattenButtons(ev.reply.Buttons)
			ui.selected = 0
		}
		ui.flashUntil = time.Now().Add(350 * time.Millisecond)
	}
	if ev.finished {
		ui.busy = false
		ui.spinnerFrame = 0
		if ev.err != nil {
			ui.statusMessage = fmt.Sprintf("error: %v", ev.err)
		}
	}
}

func (ui *consoleUI) maskLastInput() {
	for i := len(ui.transcript) - 1; i >= 0; i-- {
		if strings.HasPrefix(ui.transcript[i], "you> ") {
			ui.transcript[i] = "you> ********"
			return
		}
	}
}

func (ui *consoleUI) handleKey(ev termbox.Event) bool {
	if ev.Key == termbox.KeyCtrlC {
		return true
	}
	if ui.busy {
		if ev.Key == termbox.KeyEsc {
			return true
		}
		return false
	}
	switch ev.Key {
	case termbox.KeyEnter:
		return ui.submit()
	case termbox.KeyTab, termbox.KeyArrowRight:
		if len(ui.buttons) > 0 {
			ui.selected = (ui.selected + 1) % len(ui.buttons)
		}
		return false
	case termbox.KeyArrowLeft:
		if len(ui.buttons) > 0 {
			ui.selected = (ui.selected - 1 + len(ui.buttons)) % len(ui.buttons)
		}
		return false
	case termbox.KeyEsc:
		ui.promptBuffer = ui.promptBuffer[:0]
		return false
	case termbox.KeyBackspace, termbox.KeyBackspace2:
		if len(ui.promptBuffer) > 0 {
			ui.promptBuffer = ui.promptBuffer[:len(ui.promptBuffer)-1]
		}
		return false
	case termbox.KeySpace:
		ui.promptBuffer = append(ui.promptBuffer, ' ')
		return false
	}
	if ev.Ch != 0 {
		ui.promptBuffer = append(ui.promptBuffer, ev.Ch)
	}
	return false
}

// submit sends the prompt, or presses the selected button when the prompt is empty. It reports
// true when the user asked to quit.
func (ui *consoleUI) submit() bool {
	input := strings.TrimSpace(string(ui.promptBuffer))
	ui.promptBuffer = ui.promptBuffer[:0]
	if input == "" {
		if len(ui.buttons) == 0 {
			ui.statusMessage = "Type something or /help."
			return false
		}
		btn := ui.buttons[ui.selected]
		ui.transcript = append(ui.transcript, "you> ["+btn.Label+"]")
		ui.startCompute(btn.Label, func(ctx context.Context, out Replier) error {
			return ui.conv.HandleCallback(ctx, consoleChatID, btn.Data, out)
		})
		return false
	}

	ui.transcript = append(ui.transcript, "you> "+input)
	switch input {
	case "/quit", "/exit":
		return true
	case "/start":
		ui.startCompute(input, func(ctx context.Context, out Replier) error { return ui.conv.Start(ctx, consoleChatID, out) })
	case "/help":
		ui.startCompute(input, func(ctx context.Context, out Replier) error { return ui.conv.Help(ctx, consoleChatID, out) })
	case "/cancel":
		ui.startCompute(input, func(ctx context.Context, out Replier) error { return ui.conv.Cancel(ctx, consoleChatID, out) })
	case "/history":
		ui.startCompute(input, func(ctx context.Context, out Replier) error { return ui.conv.History(ctx, consoleChatID, out) })
	default:
		ui.startCompute("sending", func(ctx context.Context, out Replier) error {
			return ui.conv.HandleText(ctx, consoleChatID, input, out)
		})
	}
	return false
}

func (ui *consoleUI) draw() {
	termbox.Clear(termbox.ColorDefault, termbox.ColorDefault)
	width, height := termbox.Size()
	transcriptArea := height - 3
	if transcriptArea < 0 {
		transcriptArea = 0
	}
	lines := ui.transcript
	if len(lines) > transcriptArea {
		lines = lines[len(lines)-transcriptArea:]
	}
	startRow := transcriptArea - len(lines)
	flash := time.Now().Before(ui.flashUntil)
	for i, line := range lines {
		fg := termbox.ColorDefault
		if flash && i >= len(lines)-2 {
			fg = termbox.ColorGreen | termbox.AttrBold
		}
		ui.drawTextColor(0, startRow+i, width, line, fg, termbox.ColorDefault)
	}
	if height >= 3 {
		ui.drawButtons(height-3, width)
	}
	if height >= 2 {
		ui.drawText(0, height-2, width, ui.statusLine())
	}
	if height >= 1 {
		prompt := ui.promptLine()
		ui.drawText(0, height-1, width, prompt)
		if !ui.busy && ui.cursorVisible {
			col := utf8.RuneCountInString(prompt)
			if col < width {
				termbox.SetCell(col, height-1, '_', termbox.ColorDefault, termbox.ColorDefault)
			}
		}
	}
	termbox.Flush()
}

func (ui *consoleUI) drawButtons(row, width int) {
	col := 0
	for i, btn := range ui.buttons {
		label := "[ " + btn.Label + " ]"
		fg, bg := termbox.ColorDefault, termbox.ColorDefault
		if i == ui.selected {
			fg, bg = termbox.ColorBlack, termbox.ColorCyan
		}
		ui.drawTextColor(col, row, width-col, label, fg, bg)
		col += utf8.RuneCountInString(label) + 1
		if col >= width {
			return
		}
	}
}

func (ui *consoleUI) drawText(x, y, width int, text string) {
	ui.drawTextColor(x, y, width, text, termbox.ColorDefault, termbox.ColorDefault)
}

func (ui *consoleUI) drawTextColor(x, y, width int, text string, fg, bg termbox.Attribute) {
	if y < 0 {
		return
	}
	col := 0
	for _, ch := range text {
		if col >= width {
			break
		}
		termbox.SetCell(x+col, y, ch, fg, bg)
		col++
	}
}

func (ui *consoleUI) statusLine() string {
	if ui.busy {
		frame := spinnerFrames[ui.spinnerFrame%len(spinnerFrames)]
		return fmt.Sprintf("%c %s", frame, ui.busyLabel)
	}
	if ui.statusMessage != "" {
		return ui.statusMessage
	}
	if len(ui.buttons) > 0 {
		return "Tab/arrows pick a button, Enter on an empty prompt presses it. /quit to leave."
	}
	return "Type a reply and press Enter. /quit to leave."
}

func (ui *consoleUI) promptLine() string {
	if ui.busy {
		return "> ..."
	}
	return "> " + string(ui.promptBuffer)
}

func flattenButtons(rows [][]Button) []Button {
	var out []Button
	for _, row := range rows {
		out = append(out, row...)
	}
	return out
}

// plainText turns the Telegram HTML we produce into terminal text. Links keep their target.
func plainText(s string) string {
	var b strings.Builder
	for len(s) > 0 {
		start := strings.IndexByte(s, '<')
		if start < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:start])
		end := strings.IndexByte(s[start:], '>')
		if end < 0 {
			b.WriteString(s[start:])
			break
		}
		tag := s[start : start+end+1]
		s = s[start+end+1:]
		if href, ok := strings.CutPrefix(tag, `<a href="`); ok {
			href = strings.TrimSuffix(href, `">`)
			if closing := strings.Index(s, "</a>"); closing >= 0 {
				fmt.Fprintf(&b, "%s: %s", s[:closing], href)
				s = s[closing+len("</a>"):]
			}
		}
	}
	return html.UnescapeString(b.String())
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
