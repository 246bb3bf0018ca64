package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// MailboxMessage is one follow-up message for a running worker.
type MailboxMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// closeSentinel signals the worker to terminate cleanly.
const closeSentinel = "_close"

// SendMessage drops a follow-up message into a running worker's input
// mailbox. The file is written to a hidden temp name and renamed so the
// worker never observes a partial write.
func SendMessage(ipcDir, text string) error {
	inputDir := filepath.Join(ipcDir, "input")
	if _, err := os.Stat(inputDir); err != nil {
		return fmt.Errorf("mailbox input dir: %w", err)
	}
	name := "msg-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	data, err := json.Marshal(MailboxMessage{Type: "message", Text: text})
	if err != nil {
		return err
	}
	tmp := filepath.Join(inputDir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(inputDir, name+".json"))
}

// SignalClose asks the worker to shut down by dropping the close
// sentinel into its mailbox.
func SignalClose(ipcDir string) error {
	inputDir := filepath.Join(ipcDir, "input")
	if _, err := os.Stat(inputDir); err != nil {
		return fmt.Errorf("mailbox input dir: %w", err)
	}
	return os.WriteFile(filepath.Join(inputDir, closeSentinel), nil, 0o600)
}
