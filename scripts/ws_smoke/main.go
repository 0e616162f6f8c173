package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/vovakirdan/campuschat/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

// run connects a sender and a receiver to the same event chat, possibly on
// different instances, and checks that one message crosses between them.
func run() error {
	addrA := flag.String("addr", "ws://localhost:8080", "sender instance base address")
	addrB := flag.String("addr-b", "", "receiver instance base address (defaults to -addr)")
	event := flag.Int64("event", 1, "campus event id")
	tokenA := flag.String("token", "", "sender access token")
	tokenB := flag.String("token-b", "", "receiver access token (defaults to -token)")
	text := flag.String("text", "hello from smoke test", "message text to send")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	if *tokenA == "" {
		return errors.New("-token is required")
	}
	if *addrB == "" {
		*addrB = *addrA
	}
	if *tokenB == "" {
		*tokenB = *tokenA
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	receiver, err := dial(ctx, *addrB, *event, *tokenB)
	if err != nil {
		return fmt.Errorf("receiver: %w", err)
	}
	defer receiver.Close(websocket.StatusNormalClosure, "bye")

	sender, err := dial(ctx, *addrA, *event, *tokenA)
	if err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	defer sender.Close(websocket.StatusNormalClosure, "bye")

	// The server confirms the broker subscription after the upgrade; give it a moment.
	time.Sleep(200 * time.Millisecond)

	if err := sender.Write(ctx, websocket.MessageText, []byte(*text)); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	for {
		_, data, err := receiver.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		msg, err := proto.DecodeMessage(data)
		if err != nil || msg.ID == 0 {
			fmt.Printf("Skipping frame: %s\n", data)
			continue
		}
		fmt.Printf("Message: id=%d event=%d sender=%d content=%q created_at=%s\n",
			msg.ID, msg.EventID, msg.SenderID, msg.Content, msg.CreatedAt)
		if msg.Content != *text {
			return fmt.Errorf("unexpected content %q", msg.Content)
		}
		return nil
	}
}

func dial(ctx context.Context, addr string, event int64, token string) (*websocket.Conn, error) {
	url := fmt.Sprintf("%s/api/v1/ws/chat/%d?token=%s", strings.TrimRight(addr, "/"), event, token)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}
