// ABOUTME: Command-line client for the relay gateway
// ABOUTME: Starts runs over REST and streams events over the WebSocket feed

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/relay/internal/protocol"
)

func main() {
	addr := flag.String("addr", defaultAddr(), "gateway address (host:port)")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch args[0] {
	case "send":
		if len(args) < 3 {
			err = fmt.Errorf("usage: relay-cli send <conversation-id> <message>")
			break
		}
		err = runSend(ctx, *addr, args[1], strings.Join(args[2:], " "))
	case "watch":
		if len(args) < 2 {
			err = fmt.Errorf("usage: relay-cli watch <conversation-id>")
			break
		}
		err = runWatch(ctx, *addr, args[1])
	case "list":
		err = runList(ctx, *addr)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: relay-cli [-addr host:port] <command>")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  send <conversation-id> <message>   Start a run and stream its events")
	fmt.Fprintln(os.Stderr, "  watch <conversation-id>            Stream a conversation's live events")
	fmt.Fprintln(os.Stderr, "  list                               List conversations")
}

func defaultAddr() string {
	if addr := os.Getenv("RELAY_ADDR"); addr != "" {
		return addr
	}
	return "localhost:8080"
}

// runSend posts a new run, then attaches to the conversation feed and
// streams until the run's terminal event arrives.
func runSend(ctx context.Context, addr, conversationID, message string) error {
	body, err := json.Marshal(map[string]string{
		"conversationId": conversationID,
		"content":        message,
		"source":         "cli",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://%s/api/runs", addr), strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("starting run: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("gateway refused run: %s (%s)", apiErr.Error, apiErr.Code)
		}
		return fmt.Errorf("gateway refused run: status %d", resp.StatusCode)
	}

	var started struct {
		InflightID string `json:"inflightId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		return fmt.Errorf("decoding run response: %w", err)
	}

	color.New(color.FgHiBlack).Printf("run %s started\n", started.InflightID)
	return stream(ctx, addr, conversationID, started.InflightID)
}

func runWatch(ctx context.Context, addr, conversationID string) error {
	return stream(ctx, addr, conversationID, "")
}

// stream subscribes to a conversation feed and prints events until the
// given run finishes, or until interrupted when untilRun is empty.
func stream(ctx context.Context, addr, conversationID, untilRun string) error {
	ws, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", addr), nil)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	sub := protocol.ClientMessage{
		ProtocolVersion: protocol.Version,
		Type:            protocol.TypeSubscribeConversation,
		RequestID:       uuid.NewString(),
		ConversationID:  conversationID,
	}
	if err := wsjson.Write(ctx, ws, sub); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	gray := color.New(color.FgHiBlack)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	for {
		var msg protocol.ServerMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if ctx.Err() != nil {
				fmt.Println()
				return nil
			}
			return fmt.Errorf("reading: %w", err)
		}

		switch msg.Type {
		case protocol.TypeAck, protocol.TypeConversationUpsert, protocol.TypeConversationDelete:
			// bookkeeping, nothing to show
		case protocol.TypeError:
			return fmt.Errorf("gateway error: %s (%s)", msg.Error, msg.Code)
		case protocol.TypeInflightSnapshot:
			if msg.Inflight != nil {
				fmt.Print(msg.Inflight.AssistantText)
			}
		case protocol.TypeAssistantDelta:
			fmt.Print(msg.Delta)
		case protocol.TypeAnalysisDelta:
			gray.Print(msg.Delta)
		case protocol.TypeToolEvent:
			if msg.Event != nil {
				if msg.Event.Err != "" {
					red.Printf("\n[tool %s failed: %s]\n", msg.Event.Name, msg.Event.Err)
				} else {
					yellow.Printf("\n[tool %s: %s]\n", msg.Event.Name, msg.Event.Kind)
				}
			}
		case protocol.TypeStreamWarning:
			yellow.Printf("\n[warning: %s]\n", msg.Message)
		case protocol.TypeTurnFinal:
			fmt.Println()
			switch msg.Status {
			case "ok":
				gray.Printf("[done, seq %d]\n", msg.Seq)
			case "stopped":
				yellow.Println("[stopped]")
			default:
				red.Printf("[%s: %s]\n", msg.Status, msg.Message)
			}
			if untilRun != "" && msg.InflightID == untilRun {
				return nil
			}
		}
	}
}

func runList(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s/api/conversations", addr), nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("listing conversations: status %d", resp.StatusCode)
	}

	var convs []protocol.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&convs); err != nil {
		return fmt.Errorf("decoding conversations: %w", err)
	}

	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return nil
	}

	gray := color.New(color.FgHiBlack)
	for _, c := range convs {
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%-40s %s ", c.ID, title)
		gray.Println(c.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}
