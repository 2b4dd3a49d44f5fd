// ABOUTME: Interactive terminal client for talking to a coven runtime
// ABOUTME: Keeps the selected transcript in sync and renders it as it changes

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-sync/internal/client"
	"github.com/2389/coven-sync/internal/config"
	"github.com/2389/coven-sync/internal/conversation"
	"github.com/2389/coven-sync/internal/transport"
)

// Version is set by goreleaser at build time.
var version = "dev"

var (
	userColor      = color.New(color.FgGreen)
	assistantColor = color.New(color.FgCyan)
	toolColor      = color.New(color.FgYellow)
	thinkingColor  = color.New(color.FgHiBlack)
	errColor       = color.New(color.FgRed)
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML)")
	server := flag.String("server", "", "Runtime websocket URL (overrides config)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("coven-sync %s\n", version)
		return
	}

	cfg, err := loadConfig(*configPath, *server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogging(cfg.Logging)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func loadConfig(path, serverOverride string) (*config.Config, error) {
	var cfg *config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}
	if serverOverride != "" {
		cfg.Server.URL = serverOverride
	}
	return cfg, nil
}

func setupLogging(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	c := client.New(client.Options{
		ServerURL: cfg.Server.URL,
		Transport: transport.Options{
			DialTimeout:    cfg.Transport.DialTimeout,
			ConnectWait:    cfg.Transport.ConnectWait,
			ReconnectDelay: cfg.Transport.ReconnectDelay,
			MaxReconnects:  cfg.Transport.MaxReconnects,
		},
		RequestTimeout: cfg.Sync.RequestTimeout,
		PollInterval:   cfg.Sync.PollInterval,
		DetectInterval: cfg.Sync.DetectInterval,
		Tolerance:      cfg.Sync.Tolerance,
	}, logger)
	defer c.Close()

	c.OnStatus(func(st transport.Status) {
		fmt.Printf("\r%s\n", thinkingColor.Sprintf("[connection: %s]", st))
	})

	connectCtx, connectCancel := context.WithTimeout(ctx, 15*time.Second)
	err := c.Connect(connectCtx)
	connectCancel()
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Server.URL, err)
	}

	fmt.Printf("coven-sync connected to %s\n", cfg.Server.URL)
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	r := &renderer{client: c}
	go r.watch(ctx)

	return inputLoop(ctx, c, r)
}

// renderer prints transcript messages as they land, tracking how many it
// has already shown so change notices only print the tail.
type renderer struct {
	client *client.Client

	mu      sync.Mutex
	convID  string
	printed int
}

func (r *renderer) watch(ctx context.Context) {
	notices, _ := r.client.SubscribeTranscript(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case notice, ok := <-notices:
			if !ok {
				return
			}
			r.render(notice.ConversationID)
		}
	}
}

func (r *renderer) render(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conversationID != r.client.SelectedConversation() {
		return
	}
	if conversationID != r.convID {
		r.convID = conversationID
		r.printed = 0
	}

	transcript := r.client.Transcript()
	if len(transcript) < r.printed {
		// The merge replaced the tail; repaint from scratch.
		r.printed = 0
		fmt.Println(thinkingColor.Sprint("--- transcript updated ---"))
	}
	for _, msg := range transcript[r.printed:] {
		printMessage(msg)
	}
	r.printed = len(transcript)
}

// reset forgets render state so the next notice repaints the transcript.
func (r *renderer) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convID = ""
	r.printed = 0
}

func printMessage(msg conversation.Message) {
	switch msg.Role {
	case conversation.RoleUser:
		userColor.Printf("you> %s\n", msg.Content)
	case conversation.RoleThinking:
		thinkingColor.Println("agent is thinking...")
	case conversation.RoleTool:
		toolColor.Printf("tool> %s\n", msg.Content)
	case conversation.RoleAssistant:
		if len(msg.ToolCalls) > 0 && msg.Content == "" {
			for _, tc := range msg.ToolCalls {
				toolColor.Printf("call> %s(%s)\n", tc.Name, tc.Arguments)
			}
			return
		}
		assistantColor.Printf("agent> %s\n", msg.Content)
	default:
		fmt.Printf("%s> %s\n", msg.Role, msg.Content)
	}
}

func inputLoop(ctx context.Context, c *client.Client, r *renderer) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)
		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else if err := scanner.Err(); err != nil {
				errCh <- err
			} else {
				errCh <- io.EOF
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			done, err := handleCommand(ctx, c, r, input)
			if err != nil {
				errColor.Printf("[error] %v\n", err)
			}
			if done {
				return nil
			}
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := c.SendMessage(sendCtx, input)
		cancel()
		if err != nil {
			errColor.Printf("[error] %v\n", err)
		}
	}
}

func handleCommand(ctx context.Context, c *client.Client, r *renderer, input string) (bool, error) {
	cmd, args, _ := strings.Cut(input, " ")
	args = strings.TrimSpace(args)

	switch cmd {
	case "/quit", "/exit", "/q":
		return true, nil

	case "/help":
		printHelp()
		return false, nil

	case "/status":
		fmt.Printf("connection: %s\n", c.Status())
		if id := c.SelectedConversation(); id != "" {
			fmt.Printf("conversation: %s\n", id)
		} else {
			fmt.Println("conversation: none (first message creates one)")
		}
		return false, nil

	case "/health":
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := c.Health(callCtx); err != nil {
			return false, err
		}
		fmt.Println("runtime: ok")
		return false, nil

	case "/agents":
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		agents, err := c.ListAgents(callCtx)
		if err != nil {
			return false, err
		}
		if len(agents) == 0 {
			fmt.Println("no agents available")
			return false, nil
		}
		for _, a := range agents {
			fmt.Printf("  %s  %s  %s\n", a.ID, a.Name, strings.Join(a.Capabilities, ","))
		}
		return false, nil

	case "/conversations":
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		convs, err := c.ListConversations(callCtx)
		if err != nil {
			return false, err
		}
		if len(convs) == 0 {
			fmt.Println("no conversations yet")
			return false, nil
		}
		selected := c.SelectedConversation()
		for _, conv := range convs {
			marker := " "
			if conv.ID == selected {
				marker = "*"
			}
			label := conv.Label
			if label == "" {
				label = "(unlabeled)"
			}
			fmt.Printf("%s %s  %s  agent=%s  %s\n",
				marker, conv.ID, label, conv.AgentID,
				conv.LastActivity.Local().Format("2006-01-02 15:04"))
		}
		return false, nil

	case "/new":
		if args == "" {
			callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			agents, err := c.ListAgents(callCtx)
			cancel()
			if err != nil {
				return false, err
			}
			if len(agents) == 0 {
				return false, conversation.ErrNoAgents
			}
			args = agents[0].ID
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		conv, err := c.CreateConversation(callCtx, args)
		if err != nil {
			return false, err
		}
		r.reset()
		c.Select(conv)
		fmt.Printf("created conversation %s (agent %s)\n", conv.ID, conv.AgentID)
		return false, nil

	case "/use", "/switch":
		if args == "" {
			return false, fmt.Errorf("usage: %s <conversation-id>", cmd)
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		r.reset()
		if err := c.SelectByID(callCtx, args); err != nil {
			return false, err
		}
		fmt.Printf("switched to %s\n", args)
		return false, nil

	case "/history":
		id := c.SelectedConversation()
		if id == "" {
			return false, fmt.Errorf("no conversation selected")
		}
		transcript := c.Transcript()
		if len(transcript) == 0 {
			fmt.Println("(empty)")
			return false, nil
		}
		for _, msg := range transcript {
			printMessage(msg)
		}
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /agents              List agents on the runtime")
	fmt.Println("  /conversations       List conversations (* = selected)")
	fmt.Println("  /new [agent-id]      Create and select a conversation")
	fmt.Println("  /use <id>            Select an existing conversation (alias /switch)")
	fmt.Println("  /history             Reprint the selected transcript")
	fmt.Println("  /status              Show connection and selection state")
	fmt.Println("  /health              Probe the runtime")
	fmt.Println("  /quit                Exit")
}
