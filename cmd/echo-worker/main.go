// ABOUTME: Reference worker speaking the hive newline-delimited JSON protocol on stdin/stdout
// ABOUTME: Echoes chats, completes every task with a canned result and acknowledges relayed messages

package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

func main() {
	delay := flag.Duration("delay", 50*time.Millisecond, "Simulated work time per task")
	flag.Parse()

	agentID := os.Getenv("HIVE_AGENT_ID")
	if agentID == "" {
		agentID = "echo"
	}
	log.SetOutput(os.Stderr)
	log.SetPrefix("[" + agentID + "] ")

	w := &worker{id: agentID, delay: *delay, out: os.Stdout}
	if err := w.run(os.Stdin); err != nil {
		log.Fatal(err)
	}
}

type incoming struct {
	Type      string          `json:"type"`
	RequestID json.RawMessage `json:"requestId,omitempty"`
	Task      *struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"task,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

type relayed struct {
	FromID  string `json:"fromId"`
	Content string `json:"content"`
}

type worker struct {
	id    string
	delay time.Duration

	mu  sync.Mutex
	out io.Writer
}

func (w *worker) run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		var msg incoming
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			log.Printf("invalid line: %v", err)
			continue
		}

		switch msg.Type {
		case "execute_task":
			go w.executeTask(msg)
		case "handle_chat":
			var text string
			_ = json.Unmarshal(msg.Message, &text)
			w.send(map[string]any{
				"type":      "response",
				"requestId": msg.RequestID,
				"result":    map[string]any{"content": echoReply(text)},
			})
		case "handle_message":
			var m relayed
			if err := json.Unmarshal(msg.Message, &m); err != nil {
				log.Printf("invalid relayed message: %v", err)
				continue
			}
			w.send(map[string]any{
				"type":    "agent_message",
				"from":    w.id,
				"to":      m.FromID,
				"content": "ack: " + m.Content,
			})
		case "tool_response":
			// This worker never issues tool calls.
		default:
			log.Printf("unknown message type %q", msg.Type)
		}
	}
	return scanner.Err()
}

func (w *worker) executeTask(msg incoming) {
	if msg.Task == nil {
		w.send(map[string]any{"type": "response", "requestId": msg.RequestID, "error": "missing task"})
		return
	}

	w.send(map[string]any{"type": "status_update", "status": "busy"})
	w.send(map[string]any{"type": "status_update", "status": "thinking"})
	w.send(map[string]any{
		"type":      "progress_update",
		"requestId": msg.RequestID,
		"taskId":    msg.Task.ID,
		"progress":  50,
	})

	time.Sleep(w.delay)

	w.send(map[string]any{
		"type":      "response",
		"requestId": msg.RequestID,
		"result": map[string]any{
			"summary": fmt.Sprintf("%s finished %q", w.id, msg.Task.Title),
			"done":    true,
		},
	})
	w.send(map[string]any{"type": "status_update", "status": "idle"})
}

func (w *worker) send(v any) {
	line, err := json.Marshal(v)
	if err != nil {
		log.Printf("marshal: %v", err)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(append(line, '\n')); err != nil {
		log.Printf("write: %v", err)
	}
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n"
	}
	return fmt.Sprintf("Echo: **%s**", input)
}
