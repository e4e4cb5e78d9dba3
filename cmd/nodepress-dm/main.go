// nodepress-dm is a terminal client for the NodePress direct-messaging
// backend: conversation list, live chat, presence and call signaling over
// the same channel the web admin uses.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/syntex82/WordPress-Node-sub005/internal/call"
	"github.com/syntex82/WordPress-Node-sub005/internal/client"
	"github.com/syntex82/WordPress-Node-sub005/internal/config"
	"github.com/syntex82/WordPress-Node-sub005/internal/store"
	"github.com/syntex82/WordPress-Node-sub005/internal/wire"
)

func main() {
	var (
		cfgPath = flag.String("config", "nodepress-dm.json", "path to config file")
		userID  = flag.String("id", "", "session user id")
		name    = flag.String("name", "", "session display name")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *userID == "" {
		fmt.Fprintln(os.Stderr, "missing -id")
		os.Exit(1)
	}

	self := wire.Identity{ID: *userID, Name: *name}
	sess, err := client.New(cfg, self, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "session:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = sess.Start(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}
	defer sess.Close()

	fmt.Printf("connected as %s — /help for commands\n", self.ID)

	// Live updates.
	updates := sess.Store.Subscribe()
	go func() {
		for u := range updates {
			if u.Kind == store.UpdateMessages {
				printLatest(sess)
			}
		}
	}()
	sess.Signals.SetOnTyping(func(name string) {
		if name != "" {
			fmt.Printf("  [%s is typing...]\n", name)
		}
	})

	ringing := &ringState{}
	sess.Calls.OnIncoming(func(ic call.IncomingCall) {
		ringing.set(&ic)
		fmt.Printf("  [incoming call from %s — /accept or /reject]\n", ic.Caller.Name)
	})
	sess.Calls.OnEnded(func(reason string) {
		ringing.set(nil)
		fmt.Printf("  [call ended: %s]\n", reason)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		sess.Close()
		os.Exit(0)
	}()

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if sess.Store.ActiveID() == "" {
				fmt.Println("open a conversation first (/list, /open <id>)")
				continue
			}
			sess.Delivery.SetText(line)
			sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := sess.Delivery.Send(sendCtx, sess.Store.ActiveID()); err != nil {
				fmt.Println("send failed:", err)
			}
			cancel()
			continue
		}

		fields := strings.Fields(line)
		cmd, args := fields[0], fields[1:]
		opCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		runCommand(opCtx, sess, ringing, cmd, args)
		cancel()
	}
}

// ringState holds the pending incoming call. It is written from the
// channel's reader goroutine and consumed from the stdin loop.
type ringState struct {
	mu sync.Mutex
	ic *call.IncomingCall
}

func (r *ringState) set(ic *call.IncomingCall) {
	r.mu.Lock()
	r.ic = ic
	r.mu.Unlock()
}

// take clears and returns the pending call, if any.
func (r *ringState) take() *call.IncomingCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	ic := r.ic
	r.ic = nil
	return ic
}

func runCommand(ctx context.Context, sess *client.Session, ringing *ringState, cmd string, args []string) {
	switch cmd {
	case "/help":
		fmt.Println("/list /open <id> /close /start <peerId> /who /call /accept /reject /hangup /delete <msgId> /quit")

	case "/list":
		if err := sess.Store.LoadConversations(ctx); err != nil {
			fmt.Println("list (cached):", err)
		}
		for _, c := range sess.Store.Conversations() {
			fmt.Printf("  %s  %s (unread %d)\n", c.ID, c.Peer.Name, c.Unread)
		}

	case "/open":
		if len(args) != 1 {
			fmt.Println("usage: /open <conversationId>")
			return
		}
		conv, ok := sess.Store.Conversation(args[0])
		if !ok {
			fmt.Println("unknown conversation", args[0])
			return
		}
		if err := sess.OpenConversation(ctx, conv); err != nil {
			fmt.Println("open:", err)
			return
		}
		for _, g := range store.GroupByDay(sess.Store.Messages()) {
			fmt.Println(" --", g.Day.Format("Mon Jan 2"))
			for _, m := range g.Messages {
				fmt.Printf("  [%s] %s: %s\n", m.ID, m.Sender.Name, m.Content)
			}
		}

	case "/close":
		sess.CloseConversation()

	case "/start":
		if len(args) != 1 {
			fmt.Println("usage: /start <peerId>")
			return
		}
		conv, err := sess.Store.StartConversation(ctx, args[0])
		if err != nil {
			fmt.Println("start:", err)
			return
		}
		fmt.Println("conversation", conv.ID)

	case "/who":
		for _, id := range sess.Presence.Snapshot() {
			fmt.Println(" ", id)
		}

	case "/call":
		conv, ok := sess.Store.Conversation(sess.Store.ActiveID())
		if !ok {
			fmt.Println("open a conversation first")
			return
		}
		if err := sess.Calls.Initiate(ctx, conv.Peer, conv.ID); err != nil {
			fmt.Println("call:", err)
		}

	case "/accept":
		ic := ringing.take()
		if ic == nil {
			fmt.Println("no incoming call")
			return
		}
		if err := ic.Accept(ctx); err != nil {
			fmt.Println("accept:", err)
		}

	case "/reject":
		ic := ringing.take()
		if ic == nil {
			fmt.Println("no incoming call")
			return
		}
		if err := ic.Reject("declined"); err != nil {
			fmt.Println("reject:", err)
		}

	case "/hangup":
		sess.Calls.Hangup()

	case "/delete":
		if len(args) != 1 {
			fmt.Println("usage: /delete <messageId>")
			return
		}
		if err := sess.Delivery.Delete(ctx, sess.Store.ActiveID(), args[0]); err != nil {
			fmt.Println("delete:", err)
		}

	case "/quit":
		sess.Close()
		os.Exit(0)

	default:
		fmt.Println("unknown command", cmd)
	}
}

func printLatest(sess *client.Session) {
	msgs := sess.Store.Messages()
	if len(msgs) == 0 {
		return
	}
	m := msgs[len(msgs)-1]
	if m.Sender.ID == sess.Self().ID {
		return
	}
	fmt.Printf("  %s: %s\n", m.Sender.Name, m.Content)
}
