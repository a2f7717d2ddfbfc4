package hook

import (
	"fmt"
	"io"
	"os"
	"time"
)

const (
	fileSendJSON = `{"type":"send","id":"%s","occurred_at":"%s","from":"%s","recipients":"%s","message_id":"%s","status":"%s","error_code":"%s","elapse_ms":%d}
`
	fileBanJSON = `{"type":"ban","occurred_at":"%s","recipient":"%s","expiry":"%s"}
`
)

// HookFile appends delivery records as JSON lines to a file.
type HookFile struct {
	// Path is the destination file, created on first write.
	Path string

	file io.Writer
}

func (h *HookFile) Name() string {
	return "file"
}

func (h *HookFile) writer() (io.Writer, error) {
	if h.file != nil {
		return h.file, nil
	}

	if len(h.Path) == 0 {
		return nil, fmt.Errorf("missing path for file hook")
	}

	var err error
	h.file, err = os.OpenFile(h.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("os.OpenFile error: %w", err)
	}

	return h.file, nil
}

func (h *HookFile) AfterInit() {
}

func (h *HookFile) AfterSend(r *Record) {
	writer, err := h.writer()
	if err != nil {
		fmt.Printf("[%s] %s\n", h.Name(), err)
		return
	}

	if _, err := fmt.Fprintf(writer, fileSendJSON,
		r.ID, r.OccurredAt.Format(time.RFC3339), r.From, r.Recipients,
		r.MessageID, r.Status, r.ErrorCode, r.ElapseMs); err != nil {
		fmt.Printf("[%s] file append error: %s\n", h.Name(), err)
	}
}

func (h *HookFile) AfterBan(b *BanEvent) {
	writer, err := h.writer()
	if err != nil {
		fmt.Printf("[%s] %s\n", h.Name(), err)
		return
	}

	if _, err := fmt.Fprintf(writer, fileBanJSON,
		b.OccurredAt.Format(time.RFC3339), b.Recipient,
		b.Expiry.Format(time.RFC3339)); err != nil {
		fmt.Printf("[%s] file append error: %s\n", h.Name(), err)
	}
}
