package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/approval"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/transcript"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/wire"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/session"
)

// ─── ANSI Helpers ───

const (
	reset    = "\033[0m"
	cyanBold = "\033[96m\033[1m"
	yellow   = "\033[93m"
	dimText  = "\033[90m"
	clearLn  = "\033[2K\r"
)

// Braille spinner frames
var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// REPLConfig holds CLI runtime config
type REPLConfig struct {
	Version    string
	Model      string
	Workspace  string
	ToolCount  int
	Yolo       bool
	InitPrompt string
}

// App drives the interactive session: it feeds user input to the agent
// loop, consumes the turn's wire events for display, answers approval
// requests from the keyboard, and persists the transcript between turns.
type App struct {
	loop     *service.AgentLoop
	gate     *approval.Gate
	tx       *transcript.Transcript
	store    *session.Store
	renderer *Renderer
	logger   *zap.Logger
	cfg      REPLConfig

	quit bool
}

// NewApp wires an App from its collaborators.
func NewApp(
	loop *service.AgentLoop,
	gate *approval.Gate,
	tx *transcript.Transcript,
	store *session.Store,
	cfg REPLConfig,
	logger *zap.Logger,
) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		loop:     loop,
		gate:     gate,
		tx:       tx,
		store:    store,
		renderer: NewRenderer(termWidth()),
		logger:   logger,
		cfg:      cfg,
	}
}

// RequestQuit asks the REPL to exit after the current turn; wired into the
// /exit slash command.
func (a *App) RequestQuit() { a.quit = true }

// Run starts the interactive REPL loop.
func (a *App) Run() error {
	w := termWidth()
	fmt.Println(RenderBanner(BannerInfo{
		Version:    a.cfg.Version,
		Model:      a.cfg.Model,
		ToolCount:  a.cfg.ToolCount,
		Workspace:  a.cfg.Workspace,
		ProjectLng: DetectProjectLanguage(a.cfg.Workspace),
		SessionID:  a.store.ID(),
	}, w))

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\001\033[1;36m\002❯\001\033[0m\002 ",
		HistoryFile:     "",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	defer rl.Close()

	if a.cfg.InitPrompt != "" {
		a.runTurn(a.cfg.InitPrompt)
		if a.quit {
			return nil
		}
	}

	for {
		input, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Printf("\n%sbye%s\n", dimText, reset)
				return nil
			}
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		a.runTurn(input)
		if a.quit {
			fmt.Printf("%sbye%s\n", dimText, reset)
			return nil
		}
	}
}

// runTurn executes one full turn: a fresh Wire, a recorder, a display
// consumer, and the agent loop itself.
func (a *App) runTurn(input string) {
	w := wire.New(0, a.logger)

	recDone := make(chan struct{})
	if err := a.store.RecordWire(w, recDone); err != nil {
		a.logger.Warn("wire recorder unavailable", zap.Error(err))
		close(recDone)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ctrl+C during a turn cancels it instead of killing the process.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
			fmt.Printf("\n%s⏹ interrupted%s\n", yellow, reset)
		case <-ctx.Done():
		}
	}()

	uiDone := make(chan struct{})
	go a.consumeEvents(w.Raw(), uiDone)

	outcome := a.loop.Run(ctx, entity.UserInput{Text: input}, w)

	w.Close()
	<-uiDone
	<-recDone

	if err := a.store.SaveContext(a.tx); err != nil {
		a.logger.Warn("failed to persist context", zap.Error(err))
	}

	snap := a.loop.Snapshot()
	switch outcome.Kind {
	case service.OutcomeCompleted:
		fmt.Println()
		fmt.Println(a.renderer.SummaryLine(snap.Step+1, snap.ToolsExecuted, a.tx.TokenCount(), a.cfg.Model))
	case service.OutcomeError:
		fmt.Println()
		fmt.Println(a.renderer.ErrorLine(fmt.Sprintf("turn failed (%s): %v", outcome.ErrorKind, outcome.Err)))
	}
}

// consumeEvents renders the raw wire view live: streaming text, tool
// boxes, approval prompts, compaction notices.
func (a *App) consumeEvents(c *wire.Consumer, done chan<- struct{}) {
	defer close(done)

	spinner := newSpinner()
	defer spinner.Stop()

	var sawText bool
	for {
		event, err := c.Recv(context.Background())
		if err != nil {
			return
		}

		switch event.Kind {
		case entity.EventStepBegin:
			spinner.Update("thinking...")

		case entity.EventTextPart:
			spinner.Stop()
			fmt.Print(event.Text)
			sawText = true

		case entity.EventThinkPart:
			if first := firstLine(event.Text, 50); first != "" {
				spinner.Update("thinking: " + first)
			}

		case entity.EventToolBegin:
			spinner.Stop()
			fmt.Println(a.renderer.ToolHeader(event.ToolName, event.Arguments))
			spinner.Update(event.ToolName + " running...")

		case entity.EventToolEnd:
			spinner.Stop()
			isErr := event.ToolResult != nil && event.ToolResult.IsError
			fmt.Println(a.renderer.ToolFooter(event.ToolName, isErr))

		case entity.EventApprovalRequest:
			spinner.Stop()
			if event.Approval != nil {
				a.answerApproval(*event.Approval)
			}

		case entity.EventCompactionBegin:
			spinner.Update("compacting context...")

		case entity.EventCompactionEnd:
			spinner.Stop()

		case entity.EventStepInterrupted:
			spinner.Stop()

		case entity.EventTurnEnd:
			spinner.Stop()
			if sawText {
				fmt.Println()
				sawText = false
			}
		}
	}
}

// answerApproval prompts on stdin and resolves the gate. Runs on the
// consumer goroutine: the loop is blocked inside gate.Request until we
// respond, so there is no competing reader on stdin.
func (a *App) answerApproval(req entity.ApprovalRequest) {
	fmt.Print(a.renderer.ApprovalPrompt(req))

	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		answer = ""
	}
	answer = strings.ToLower(strings.TrimSpace(answer))

	var resp entity.ApprovalResponse
	switch answer {
	case "y", "yes":
		resp = entity.ApprovalResponse{ApproveOnce: true}
	case "a", "always":
		resp = entity.ApprovalResponse{Approve: true}
	default:
		resp = entity.ApprovalResponse{Reject: true}
	}

	if err := a.gate.Respond(resp); err != nil {
		// The request may have been cancelled while we were reading.
		a.logger.Debug("approval respond failed", zap.Error(err))
	}
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if len(s) > max {
		s = s[:max] + "…"
	}
	return s
}

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

// ─── Braille Spinner ───

type asyncSpinner struct {
	mu      sync.Mutex
	running bool
	msg     string
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newSpinner() *asyncSpinner {
	return &asyncSpinner{}
}

func (s *asyncSpinner) Update(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msg = msg
	if !s.running {
		s.running = true
		s.stopCh = make(chan struct{})
		s.doneCh = make(chan struct{})
		go s.run()
	}
}

func (s *asyncSpinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh
	fmt.Print(clearLn) // Clear spinner line
}

func (s *asyncSpinner) run() {
	defer close(s.doneCh)

	frame := 0
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			msg := s.msg
			s.mu.Unlock()

			f := spinnerFrames[frame%len(spinnerFrames)]
			fmt.Printf("%s%s%s %s%s%s", clearLn, cyanBold, f, dimText, msg, reset)
			frame++
		}
	}
}
