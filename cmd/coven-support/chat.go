// ABOUTME: `coven-support chat` runs the widget in the terminal against an in-process store
// ABOUTME: Lines are sent as the user; bot and agent replies stream in from the broadcaster

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/coven-support/internal/config"
	"github.com/2389/coven-support/internal/conversation"
	"github.com/2389/coven-support/internal/gateway"
	"github.com/2389/coven-support/internal/store"
	"github.com/2389/coven-support/internal/transcript"
)

// syncWriter serializes writes from the input loop and the event printer.
type syncWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.Write(p)
}

type chatClient struct {
	svc     *conversation.Service
	session *conversation.Session
	out     io.Writer
}

func runChat(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.SetOutput(out)
	exportPath := fs.String("export", "", "write the current conversation's transcript here on exit")
	exportFormat := fs.String("format", "", "transcript format: md or html (default from the file extension)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	var format transcript.Format
	if *exportPath != "" {
		f, err := exportFormatFor(*exportPath, *exportFormat)
		if err != nil {
			return err
		}
		format = f
	}

	cfg, _, err := loadConfig(getConfigPath())
	if err != nil {
		return err
	}

	w := &syncWriter{out: out}
	logger := setupLogger(config.LoggingConfig{Level: "error", Format: cfg.Logging.Format}, w)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	defer func() {
		if err := gw.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	c := &chatClient{
		svc:     gw.Conversation(),
		session: gw.Conversation().NewSession(),
		out:     w,
	}
	defer c.session.Close()

	conv, err := c.session.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	evCtx, stopEvents := context.WithCancel(ctx)
	events, _ := c.svc.Subscribe(evCtx, conversation.AllConversations)
	var wg sync.WaitGroup
	wg.Go(func() { c.printEvents(evCtx, events) })

	color.New(color.FgCyan).Fprintln(w, "coven-support chat (type /help for commands)")
	c.printConversation(conv)

	err = c.loop(ctx, in)

	stopEvents()
	wg.Wait()

	if *exportPath != "" {
		if exportErr := c.export(context.WithoutCancel(ctx), *exportPath, format); exportErr != nil {
			return errors.Join(err, exportErr)
		}
	}
	fmt.Fprintln(w, "Goodbye!")
	return err
}

// exportFormatFor picks the transcript format from an explicit flag, falling
// back to the file extension.
func exportFormatFor(path, explicit string) (transcript.Format, error) {
	if explicit != "" {
		return transcript.ParseFormat(explicit)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return transcript.FormatHTML, nil
	}
	return transcript.FormatMarkdown, nil
}

func (c *chatClient) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			readErr <- err
			return
		}
		readErr <- io.EOF
	}()

	for {
		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-lines:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if !strings.HasPrefix(input, "/") {
			if _, _, err := c.session.Send(ctx, input); err != nil {
				c.printError(err)
			}
			continue
		}

		cmd, arg, _ := strings.Cut(input, " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "/quit", "/exit", "/q":
			return nil
		case "/help":
			c.printHelp()
		case "/list":
			c.list(ctx)
		case "/new":
			c.newConversation(ctx)
		case "/switch":
			c.switchTo(ctx, arg)
		case "/history":
			if conv, err := c.session.CurrentConversation(ctx); err != nil {
				c.printError(err)
			} else {
				c.printConversation(conv)
			}
		case "/read":
			if n, err := c.session.MarkAsRead(ctx); err != nil {
				c.printError(err)
			} else {
				fmt.Fprintf(c.out, "Marked %d messages as read\n", n)
			}
		case "/unread":
			if n, err := c.session.UnreadCount(ctx); err != nil {
				c.printError(err)
			} else {
				fmt.Fprintf(c.out, "%d unread\n", n)
			}
		case "/export":
			if arg == "" {
				fmt.Fprintln(c.out, "Usage: /export FILE")
				continue
			}
			format, err := exportFormatFor(arg, "")
			if err == nil {
				err = c.export(ctx, arg, format)
			}
			if err != nil {
				c.printError(err)
			}
		default:
			fmt.Fprintf(c.out, "Unknown command: %s (try /help)\n", cmd)
		}
	}
}

func (c *chatClient) printHelp() {
	fmt.Fprintln(c.out, "Commands:")
	fmt.Fprintln(c.out, "  /list          List conversations")
	fmt.Fprintln(c.out, "  /new           Start a new conversation")
	fmt.Fprintln(c.out, "  /switch <id>   Make another conversation current")
	fmt.Fprintln(c.out, "  /history       Show the current conversation")
	fmt.Fprintln(c.out, "  /read          Mark replies as read")
	fmt.Fprintln(c.out, "  /unread        Count unread replies")
	fmt.Fprintln(c.out, "  /export <file> Write a transcript (.md or .html)")
	fmt.Fprintln(c.out, "  /help          Show this help")
	fmt.Fprintln(c.out, "  /quit          Exit the chat")
}

func (c *chatClient) list(ctx context.Context) {
	convs, err := c.svc.ListConversations(ctx, store.ListFilter{})
	if err != nil {
		c.printError(err)
		return
	}
	current, _ := c.session.Current()
	for _, conv := range convs {
		marker := " "
		if conv.ID == current {
			marker = "*"
		}
		fmt.Fprintf(c.out, "%s %s  %-8s %s (%d messages)\n", marker, conv.ID, conv.Status, conv.UserID, len(conv.Messages))
	}
}

func (c *chatClient) newConversation(ctx context.Context) {
	current, err := c.session.CurrentConversation(ctx)
	if err != nil {
		c.printError(err)
		return
	}
	conv, err := c.svc.CreateConversation(ctx, store.NewConversation{
		UserID: current.UserID,
		Status: store.StatusActive,
	})
	if err != nil {
		c.printError(err)
		return
	}
	if _, err := c.session.Select(ctx, conv.ID); err != nil {
		c.printError(err)
		return
	}
	fmt.Fprintf(c.out, "Started %s\n", conv.ID)
}

func (c *chatClient) switchTo(ctx context.Context, id string) {
	if id == "" {
		fmt.Fprintln(c.out, "Usage: /switch <conversation id>")
		return
	}
	conv, err := c.session.Select(ctx, id)
	if err != nil {
		c.printError(err)
		return
	}
	c.printConversation(conv)
}

func (c *chatClient) export(ctx context.Context, path string, format transcript.Format) error {
	conv, err := c.session.CurrentConversation(ctx)
	if err != nil {
		return err
	}
	data, err := transcript.Render(conv, format)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing transcript: %w", err)
	}
	fmt.Fprintf(c.out, "Transcript written to %s\n", path)
	return nil
}

func (c *chatClient) printConversation(conv *store.Conversation) {
	gray := color.New(color.FgHiBlack)
	gray.Fprintf(c.out, "── %s (%s, user %s", conv.ID, conv.Status, conv.UserID)
	if conv.AgentID != nil {
		gray.Fprintf(c.out, ", agent %s", *conv.AgentID)
	}
	gray.Fprintln(c.out, ")")
	for _, msg := range conv.Messages {
		c.printMessage(msg)
	}
}

func (c *chatClient) printMessage(msg *store.Message) {
	if msg.Type == store.MessageTypeSystem {
		color.New(color.FgHiBlack).Fprintf(c.out, "  * %s\n", msg.Content)
		return
	}
	var label *color.Color
	switch msg.Sender {
	case store.SenderBot:
		label = color.New(color.FgCyan)
	case store.SenderAgent:
		label = color.New(color.FgGreen)
	default:
		label = color.New(color.FgYellow)
	}
	label.Fprintf(c.out, "%s: ", msg.Sender)
	fmt.Fprintln(c.out, msg.Content)
}

func (c *chatClient) printError(err error) {
	color.New(color.FgRed).Fprintf(c.out, "[error] %v\n", err)
}

// printEvents shows replies and typing for the current conversation. The
// user's own messages are not echoed, and conversation updates only print
// when the status or agent changes.
func (c *chatClient) printEvents(ctx context.Context, events <-chan *conversation.Event) {
	gray := color.New(color.FgHiBlack)
	lastState := make(map[string]string)
	for {
		var ev *conversation.Event
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			ev = e
		}

		if current, _ := c.session.Current(); ev.ConversationID != current {
			continue
		}

		switch ev.Type {
		case conversation.EventMessage:
			if ev.Message.Sender != store.SenderUser {
				c.printMessage(ev.Message)
			}
		case conversation.EventTyping:
			if ev.Typing.Active {
				gray.Fprintf(c.out, "  %s is typing...\n", ev.Typing.Sender)
			}
		case conversation.EventConversationUpdated:
			conv := ev.Conversation
			state := string(conv.Status)
			if conv.AgentID != nil {
				state += "/" + *conv.AgentID
			}
			if lastState[conv.ID] == state {
				continue
			}
			lastState[conv.ID] = state
			if conv.Status == store.StatusActive && conv.AgentID != nil {
				gray.Fprintf(c.out, "  %s is handling this conversation\n", *conv.AgentID)
			} else if conv.Status == store.StatusClosed {
				gray.Fprintln(c.out, "  conversation closed")
			}
		}
	}
}
