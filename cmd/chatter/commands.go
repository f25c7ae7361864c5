package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/urfave/cli/v2"

	chatter "github.com/putto11262002/chatter-mobile/app"
	"github.com/putto11262002/chatter-mobile/core"
)

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Stay online and print what arrives",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "room",
			Usage: "Open the conversation with this user",
		},
	},
	Before: prepareConfig,
	Action: cmdRun,
}

var syncCommand = &cli.Command{
	Name:      "sync",
	Usage:     "Sync a conversation into the cache and print it",
	ArgsUsage: "PEER",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "wait",
			Usage: "How long to wait for the sync",
			Value: 5 * time.Second,
		},
	},
	Before: prepareConfig,
	Action: cmdSync,
}

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a message",
	ArgsUsage: "PEER MESSAGE...",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "How long to wait for the server to confirm the message",
			Value: 10 * time.Second,
		},
	},
	Before: prepareConfig,
	Action: cmdSend,
}

var contactsCommand = &cli.Command{
	Name:   "contacts",
	Usage:  "Print the contact list",
	Before: prepareConfig,
	Action: cmdContacts,
}

func newApp(ctx *cli.Context, opts ...chatter.AppOption) (*chatter.App, error) {
	return chatter.New(ctx.Context, getConfig(ctx), opts...)
}

func cmdRun(ctx *cli.Context) error {
	app, err := newApp(ctx, chatter.WithObserver(&printer{w: os.Stdout}))
	if err != nil {
		return err
	}
	if peer := ctx.String("room"); peer != "" {
		if _, err := app.OpenRoom(ctx.Context, peer); err != nil {
			return err
		}
	}
	return app.Run(ctx.Context)
}

func cmdSync(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a peer")
	}
	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	s, err := app.OpenRoom(ctx.Context, ctx.Args().Get(0))
	if err != nil {
		return err
	}
	select {
	case <-time.After(ctx.Duration("wait")):
	case <-ctx.Context.Done():
	}
	for _, m := range s.Messages() {
		printMessage(os.Stdout, m)
	}
	return nil
}

func cmdSend(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("you must specify a peer and a message")
	}
	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	runCtx, cancel := context.WithTimeout(ctx.Context, ctx.Duration("timeout"))
	defer cancel()
	go app.Socket().Run(runCtx)

	s, err := app.OpenRoom(runCtx, ctx.Args().Get(0))
	if err != nil {
		return err
	}
	if err := waitFor(runCtx, app.Socket().Connected); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	m, err := s.Send(strings.Join(ctx.Args().Slice()[1:], " "), nil)
	if err != nil {
		return err
	}
	err = waitFor(runCtx, func() bool {
		got, ok := lookup(s.Messages(), m.ClientID)
		return ok && got.Status != core.StatusPending
	})
	if err != nil {
		return fmt.Errorf("message %d not confirmed: %w", m.ClientID, err)
	}
	fmt.Printf("sent %d\n", m.ClientID)
	return nil
}

func cmdContacts(ctx *cli.Context) error {
	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	app.Refresh(ctx.Context)
	for _, c := range app.Contacts() {
		state := "offline"
		if c.Online {
			state = "online"
		}
		fmt.Printf("%-20s %-8s %3d  %s\n", c.Username, state, c.UnreadCount, c.LastMessage)
	}
	return nil
}

func lookup(msgs []core.Message, clientID int64) (core.Message, bool) {
	for _, m := range msgs {
		if m.ClientID == clientID {
			return m, true
		}
	}
	return core.Message{}, false
}

func waitFor(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func printMessage(w io.Writer, m core.Message) {
	ts := time.UnixMilli(m.Timestamp).Format(time.DateTime)
	content := m.Content
	if m.Attachment != nil && content == "" {
		content = fmt.Sprintf("[%s %s]", m.Type, m.Attachment.Name)
	}
	fmt.Fprintf(w, "%s %-12s %-9s %s\n", ts, m.Sender, m.Status, content)
}

// printer is an Observer writing to a terminal.
type printer struct {
	chatter.NopObserver
	w io.Writer

	// rooms run on their own loops
	mu       sync.Mutex
	lastSeen map[string]int
}

func (p *printer) MessagesChanged(room string, msgs []core.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastSeen == nil {
		p.lastSeen = make(map[string]int)
	}
	// print only what was appended since the last change
	start := min(p.lastSeen[room], len(msgs))
	for _, m := range msgs[start:] {
		fmt.Fprintf(p.w, "[%s] ", room)
		printMessage(p.w, m)
	}
	p.lastSeen[room] = len(msgs)
}

func (p *printer) TypingChanged(room string, typing map[string]string) {
	for user := range typing {
		fmt.Fprintf(p.w, "[%s] %s is typing\n", room, user)
	}
}

func (p *printer) IncomingCall(sessionID, from string, t core.CallType) {
	fmt.Fprintf(p.w, "incoming %s call from %s (%s)\n", t, from, sessionID)
}

func (p *printer) CallStateChanged(sessionID string, state core.CallState) {
	fmt.Fprintf(p.w, "call %s: %s\n", sessionID, state)
}

func (p *printer) CallError(sessionID string, err error) {
	fmt.Fprintf(p.w, "call %s: %v\n", sessionID, err)
}

func (p *printer) ContactsChanged(contacts []core.Contact) {
	online := 0
	for _, c := range contacts {
		if c.Online {
			online++
		}
	}
	fmt.Fprintf(p.w, "%d contacts, %d online\n", len(contacts), online)
}

func (p *printer) LoggedOut(err error) {
	if errors.Is(err, core.ErrForcedLogout) || errors.Is(err, core.ErrTokenExpired) {
		fmt.Fprintf(p.w, "logged out: %v\n", err)
	}
}
