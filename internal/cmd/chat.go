package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/reeflective/readline"
	"github.com/spf13/cobra"

	"github.com/inercia/marketchat/internal/chat"
	"github.com/inercia/marketchat/internal/client"
	"github.com/inercia/marketchat/internal/config"
	"github.com/inercia/marketchat/internal/inbox"
	"github.com/inercia/marketchat/internal/logging"
)

// chatCmd represents the chat command
var chatCmd = &cobra.Command{
	Use:   "chat <thread>",
	Short: "Interactive chat in a conversation",
	Long: `Open a conversation and follow it in real time.

Lines you type are sent as messages. New messages, typing indicators
and voice-note playback are shown as they happen. Logs go to the log
file while the chat is open.

Commands:
  /play <message> [#]    - Play a voice note and the ones that follow it
  /pause, /resume, /stop - Control playback
  /seek <seconds>        - Move within the playing voice note
  /file <path> [text]    - Send a file
  /voice <path> <secs>   - Send a voice recording
  /reply <message> text  - Reply to a message
  /record                - Start or stop the "recording" indicator
  /who                   - Show who is typing
  /open <thread>         - Switch conversation
  /threads, /reload      - List conversations, reload this one
  /quit, /exit           - Exit the chat
  /help                  - Show available commands`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

// slashCommands defines the available slash commands with their descriptions.
var slashCommands = []struct {
	name        string
	description string
}{
	{"/help", "Show available commands"},
	{"/h", "Show available commands (alias)"},
	{"/?", "Show available commands (alias)"},
	{"/quit", "Exit the chat"},
	{"/exit", "Exit the chat (alias)"},
	{"/q", "Exit the chat (alias)"},
	{"/play", "Play a voice note and the ones that follow it"},
	{"/pause", "Pause playback"},
	{"/resume", "Resume playback"},
	{"/stop", "Stop playback"},
	{"/seek", "Move within the playing voice note"},
	{"/file", "Send a file"},
	{"/voice", "Send a voice recording"},
	{"/reply", "Reply to a message"},
	{"/record", "Start or stop the recording indicator"},
	{"/who", "Show who is typing"},
	{"/open", "Switch conversation"},
	{"/threads", "List conversations"},
	{"/reload", "Reload the conversation"},
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	logger := logging.WithComponent(logging.ComponentShell)

	out := cmd.OutOrStdout()
	events := make(chan inbox.Event, 256)
	s, err := openSession(cfg, sessionOptions{
		onEvent: func(ev inbox.Event) {
			select {
			case events <- ev:
			default:
				logger.Debug("dropping inbox event", "kind", ev.Kind)
			}
		},
	})
	if err != nil {
		return err
	}
	defer s.Close()

	sh := newChatShell(s.inbox, out, cfg.User.Identity(), cfg.Server.Timeout)

	loadCtx, loadCancel := context.WithTimeout(ctx, cfg.Server.Timeout)
	err = s.inbox.OpenThread(loadCtx, args[0])
	loadCancel()
	if err != nil {
		return err
	}
	sh.printHistory()

	rt, err := s.client.FollowThread(ctx, "", s.inbox.Callbacks(client.RealtimeCallbacks{
		OnDisconnected: func(err error) {
			if err != nil {
				sh.notice("⚠️  Live updates stopped: %v", err)
			}
		},
	}))
	if err != nil {
		logger.Warn("realtime connection failed", "error", err)
		sh.notice("⚠️  Live updates unavailable: %v", err)
	} else {
		s.inbox.SetTransport(rt)
		defer rt.Close()
	}

	if w, err := config.NewWatcher(cfgFile, cfg, logging.WithComponent(logging.ComponentConfig)); err != nil {
		logger.Warn("configuration will not be reloaded", "error", err)
	} else {
		w.Subscribe(config.SubscriberFunc(func(ev config.ChangeEvent) {
			applyConfigChange(s.inbox, ev.Config)
			sh.notice("🔄 Configuration reloaded")
		}))
		w.Start()
		defer w.Close()
	}

	go sh.run(ctx, events)
	err = sh.loop(ctx)
	// The realtime callbacks may still fire until rt is closed.
	s.inbox.SetTransport(nil)
	return err
}

// applyConfigChange applies the settings that can change while the chat
// is open.
func applyConfigChange(ib *inbox.Inbox, c *config.Config) {
	if err := logging.SetLevel(effectiveLogLevel(c.Log.Level)); err != nil {
		logging.WithComponent(logging.ComponentConfig).Warn("ignoring log level", "error", err)
	}
	ib.ConfigureCue(cueConfig(c))
}

// chatShell renders the open conversation and runs slash commands.
type chatShell struct {
	ib      *inbox.Inbox
	out     io.Writer
	local   chat.SenderIdentity
	timeout time.Duration

	mu        sync.Mutex
	printed   map[string]bool
	peers     string
	recording bool
}

func newChatShell(ib *inbox.Inbox, out io.Writer, local chat.SenderIdentity, timeout time.Duration) *chatShell {
	if timeout <= 0 {
		timeout = config.DefaultTimeout
	}
	return &chatShell{
		ib:      ib,
		out:     out,
		local:   local,
		timeout: timeout,
		printed: make(map[string]bool),
	}
}

func (sh *chatShell) notice(format string, args ...any) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	fmt.Fprintf(sh.out, format+"\n", args...)
}

// printHistory prints the open thread's messages that were not printed yet.
func (sh *chatShell) printHistory() {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for _, m := range sh.ib.Messages() {
		if sh.printed[m.ID] {
			continue
		}
		sh.printed[m.ID] = true
		fmt.Fprintln(sh.out, formatMessage(m, sh.local, sh.ib.IsPending(m.ID)))
	}
}

func (sh *chatShell) printPeers() {
	peers := formatPeers(sh.ib.TypingPeers())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if peers == sh.peers {
		return
	}
	sh.peers = peers
	if peers != "" {
		fmt.Fprintf(sh.out, "  %s\n", peers)
	}
}

// run renders inbox events until ctx is done.
func (sh *chatShell) run(ctx context.Context, events <-chan inbox.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			sh.handleEvent(ev)
		}
	}
}

func (sh *chatShell) handleEvent(ev inbox.Event) {
	switch ev.Kind {
	case inbox.EventMessagesChanged:
		if ev.ThreadID == sh.ib.ActiveThread() {
			sh.printHistory()
		}
	case inbox.EventScroll:
		if ev.MessageID != "" {
			sh.notice("▶ Playing %s", ev.MessageID)
		}
	case inbox.EventPresenceChanged:
		if ev.ThreadID == sh.ib.ActiveThread() {
			sh.printPeers()
		}
	case inbox.EventError:
		if ev.Err != nil {
			sh.notice("❌ %v", ev.Err)
		}
	}
}

func (sh *chatShell) loop(ctx context.Context) error {
	rl := readline.NewShell()
	rl.Prompt.Primary(func() string { return "marketchat> " })

	history := readline.NewInMemoryHistory()
	rl.History.Add("default", history)

	rl.Completer = func(line []rune, cursor int) readline.Completions {
		return completeInput(string(line), cursor)
	}

	fmt.Fprintln(sh.out, "\n📝 Type a message and press Enter. Use /help for commands. Tab completes commands.")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				fmt.Fprintln(sh.out, "\n👋 Goodbye!")
				return nil
			}
			return err
		}

		if quit := sh.handleLine(ctx, line); quit {
			fmt.Fprintln(sh.out, "👋 Goodbye!")
			return nil
		}
	}
}

// handleLine sends a plain line or runs a slash command. It reports
// whether the user asked to quit.
func (sh *chatShell) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		sh.send(ctx, inbox.SendRequest{Content: line})
		return false
	}

	name, rest, err := parseCommand(line)
	if err != nil {
		sh.notice("❌ %v", err)
		return false
	}
	return sh.handleCommand(ctx, name, rest)
}

// parseCommand splits a slash command into its lowercased name (without the
// slash) and the raw text after it. Message text keeps its quotes and
// hashes untouched.
func parseCommand(line string) (name, rest string, err error) {
	name, rest, _ = strings.Cut(strings.TrimPrefix(strings.TrimSpace(line), "/"), " ")
	if name == "" {
		return "", "", errors.New("empty command")
	}
	return strings.ToLower(name), strings.TrimSpace(rest), nil
}

// splitPath takes a leading path off s. A path starting with a quote runs
// to the matching quote and may contain spaces.
func splitPath(s string) (path, rest string, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", nil
	}
	if q := s[0]; q == '"' || q == '\'' {
		end := strings.IndexByte(s[1:], q)
		if end < 0 {
			return "", "", fmt.Errorf("unterminated quote in %q", s)
		}
		parts, err := shlex.Split(s[:end+2])
		if err != nil {
			return "", "", fmt.Errorf("cannot parse path: %w", err)
		}
		return strings.Join(parts, " "), strings.TrimSpace(s[end+2:]), nil
	}
	path, rest, _ = strings.Cut(s, " ")
	return path, strings.TrimSpace(rest), nil
}

func (sh *chatShell) handleCommand(ctx context.Context, name, rest string) bool {
	args := strings.Fields(rest)
	switch name {
	case "quit", "exit", "q":
		return true
	case "help", "h", "?":
		sh.printHelp()

	case "play":
		sh.play(args)
	case "pause":
		sh.ib.PausePlayback()
	case "resume":
		if err := sh.ib.ResumePlayback(); err != nil {
			sh.notice("❌ %v", err)
		}
	case "stop":
		sh.ib.StopPlayback()
	case "seek":
		if len(args) != 1 {
			sh.notice("Usage: /seek <seconds>")
			break
		}
		seconds, err := strconv.ParseFloat(args[0], 64)
		if err != nil || seconds < 0 {
			sh.notice("❌ Invalid position %q", args[0])
			break
		}
		sh.ib.SeekTo(seconds)

	case "file":
		path, text, err := splitPath(rest)
		if err != nil {
			sh.notice("❌ %v", err)
			break
		}
		if path == "" {
			sh.notice("Usage: /file <path> [text]")
			break
		}
		sh.sendFile(ctx, path, text, 0)
	case "voice":
		path, secs, err := splitPath(rest)
		if err != nil {
			sh.notice("❌ %v", err)
			break
		}
		if path == "" || secs == "" || len(strings.Fields(secs)) != 1 {
			sh.notice("Usage: /voice <path> <seconds>")
			break
		}
		seconds, err := strconv.ParseFloat(secs, 64)
		if err != nil || seconds <= 0 {
			sh.notice("❌ Invalid duration %q", secs)
			break
		}
		sh.sendFile(ctx, path, "", seconds)
	case "reply":
		id, text, _ := strings.Cut(rest, " ")
		text = strings.TrimSpace(text)
		if id == "" || text == "" {
			sh.notice("Usage: /reply <message> <text>")
			break
		}
		sh.send(ctx, inbox.SendRequest{ReplyTo: id, Content: text})
	case "record":
		sh.toggleRecording()

	case "who":
		if peers := formatPeers(sh.ib.TypingPeers()); peers != "" {
			sh.notice("  %s", peers)
		} else {
			sh.notice("  Nobody is typing.")
		}
	case "open":
		if len(args) != 1 {
			sh.notice("Usage: /open <thread>")
			break
		}
		sh.open(ctx, args[0])
	case "threads":
		sh.listThreads(ctx)
	case "reload":
		rctx, cancel := context.WithTimeout(ctx, sh.timeout)
		defer cancel()
		if err := sh.ib.Reload(rctx); err != nil {
			sh.notice("❌ %v", err)
		}

	default:
		sh.notice("❓ Unknown command: %s (use /help for available commands)", name)
	}
	return false
}

func (sh *chatShell) play(args []string) {
	if len(args) == 0 || len(args) > 2 {
		sh.notice("Usage: /play <message> [attachment]")
		return
	}
	msg, ok := findMessage(sh.ib.Messages(), args[0])
	if !ok {
		sh.notice("❌ No message %s in this conversation", args[0])
		return
	}
	requested := -1
	if len(args) == 2 {
		n, err := strconv.Atoi(strings.TrimPrefix(args[1], "#"))
		if err != nil {
			sh.notice("❌ Invalid attachment %q", args[1])
			return
		}
		requested = n
	}
	index, err := voiceIndex(msg, requested)
	if err != nil {
		sh.notice("❌ %v", err)
		return
	}
	if err := sh.ib.PlayVoiceNote(msg.ID, index, true); err != nil {
		sh.notice("❌ %v", err)
	}
}

func (sh *chatShell) send(ctx context.Context, req inbox.SendRequest) {
	sctx, cancel := context.WithTimeout(ctx, sh.timeout)
	defer cancel()

	_, err := sh.ib.Send(sctx, req)
	var verr *inbox.ValidationError
	switch {
	case err == nil:
		// Rendered from the inbox's change event.
	case errors.As(err, &verr):
		sh.notice("⚠️  %v", err)
	default:
		sh.notice("❌ %v", err)
	}
}

func (sh *chatShell) sendFile(ctx context.Context, path, text string, voiceSeconds float64) {
	f, err := client.ReadUploadFile(path)
	if err != nil {
		sh.notice("❌ %v", err)
		return
	}
	sh.send(ctx, inbox.SendRequest{
		Content:       text,
		Files:         []client.UploadFile{f},
		VoiceDuration: voiceSeconds,
	})
}

func (sh *chatShell) toggleRecording() {
	sh.mu.Lock()
	recording := !sh.recording
	sh.recording = recording
	sh.mu.Unlock()

	if recording {
		sh.ib.StartRecording()
		sh.notice("🎙  Recording… use /record again to stop")
		return
	}
	seconds := sh.ib.StopRecording()
	sh.notice("🎙  Recorded %s", formatClock(float64(seconds)))
}

func (sh *chatShell) open(ctx context.Context, threadID string) {
	octx, cancel := context.WithTimeout(ctx, sh.timeout)
	defer cancel()

	sh.mu.Lock()
	sh.printed = make(map[string]bool)
	sh.peers = ""
	sh.recording = false
	sh.mu.Unlock()

	err := sh.ib.OpenThread(octx, threadID)
	if t, ok := sh.ib.Thread(threadID); ok && t.Subject != "" {
		sh.notice("# %s", t.Subject)
	}
	sh.printHistory()
	if err != nil {
		sh.notice("❌ %v", err)
	}
}

func (sh *chatShell) listThreads(ctx context.Context) {
	lctx, cancel := context.WithTimeout(ctx, sh.timeout)
	defer cancel()
	if err := sh.ib.LoadThreads(lctx); err != nil {
		sh.notice("❌ %v", err)
		return
	}
	now := time.Now()
	for _, t := range sh.ib.Threads() {
		sh.notice("%s", formatThread(t, now))
	}
}

func (sh *chatShell) printHelp() {
	sh.notice(`
Available commands:
  /play <message> [#]    - Play a voice note and the ones that follow it
  /pause, /resume, /stop - Control playback
  /seek <seconds>        - Move within the playing voice note
  /file <path> [text]    - Send a file
  /voice <path> <secs>   - Send a voice recording
  /reply <message> text  - Reply to a message
  /record                - Start or stop the "recording" indicator
  /who                   - Show who is typing
  /open <thread>         - Switch conversation
  /threads               - List conversations
  /reload                - Reload this conversation
  /quit, /exit, /q       - Exit the chat
  /help, /h, /?          - Show this help message

Tips:
  - Type your message and press Enter to send it
  - Quote paths with spaces: /file "my photo.jpg"
  - Use up/down arrows for command history
  - Use Tab to autocomplete slash commands`)
}

// completeInput provides tab completion for the chat input.
// It completes slash commands when the input starts with "/".
func completeInput(line string, cursor int) readline.Completions {
	if cursor > len(line) {
		cursor = len(line)
	}
	text := line[:cursor]

	if !strings.HasPrefix(text, "/") {
		return readline.Completions{}
	}

	matches, descriptions := matchCommands(text)
	if len(matches) == 0 {
		return readline.Completions{}
	}

	// Format: value1, desc1, value2, desc2, ...
	pairs := make([]string, 0, len(matches)*2)
	for i, match := range matches {
		pairs = append(pairs, match, descriptions[i])
	}

	return readline.CompleteValuesDescribed(pairs...).
		Tag("commands").
		NoSpace('/') // Don't add space after completing partial command
}

// matchCommands returns the slash commands starting with prefix.
func matchCommands(prefix string) (names, descriptions []string) {
	for _, cmd := range slashCommands {
		if strings.HasPrefix(cmd.name, prefix) {
			names = append(names, cmd.name)
			descriptions = append(descriptions, cmd.description)
		}
	}
	return names, descriptions
}
