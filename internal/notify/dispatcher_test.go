package notify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []Message
	err  error
	gate chan struct{}
}

func (f *fakeSender) Send(ctx context.Context, msg Message) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.err
}

func (f *fakeSender) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

func TestFileUpdated_SnapshotsAttachment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "respuestas.xlsx")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	fs := &fakeSender{}
	d, err := NewDispatcher(fs, []string{"admin@biobanco.test"}, 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if err := d.FileUpdated("XLSX", path); err != nil {
		t.Fatalf("FileUpdated: %v", err)
	}
	// later writes must not leak into the queued message
	_ = os.WriteFile(path, []byte("v2"), 0o644)

	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	msgs := fs.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages; want 1", len(msgs))
	}
	m := msgs[0]
	if m.Subject != "Nuevo archivo XLSX subido al servidor" {
		t.Fatalf("subject = %q", m.Subject)
	}
	if len(m.Attachments) != 1 || m.Attachments[0].Name != "respuestas.xlsx" || string(m.Attachments[0].Data) != "v1" {
		t.Fatalf("attachments = %+v", m.Attachments)
	}
}

func TestFileUpdated_Disabled(t *testing.T) {
	d, err := NewDispatcher(&fakeSender{}, nil, 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close(context.Background())
	if err := d.FileUpdated("CSV", "whatever"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v; want ErrDisabled", err)
	}

	var nilD *Dispatcher
	if nilD.Enabled() {
		t.Fatalf("nil dispatcher must report disabled")
	}
}

func TestEnqueue_FullPoolRejects(t *testing.T) {
	fs := &fakeSender{gate: make(chan struct{})}
	d, err := NewDispatcher(fs, []string{"a@b.test"}, 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Enqueue(Message{Subject: "first"}); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := d.Enqueue(Message{Subject: "second"}); err == nil {
		t.Fatalf("second Enqueue on a busy pool must fail fast")
	}
	close(fs.gate)
	if err := d.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(fs.messages()); n != 1 {
		t.Fatalf("sent %d; want 1", n)
	}
}

func TestEnqueue_SendErrorIsOnlyLogged(t *testing.T) {
	fs := &fakeSender{err: errors.New("relay down")}
	d, err := NewDispatcher(fs, []string{"a@b.test"}, 2, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Enqueue(Message{Subject: "x"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSMTPConfig_Defaults(t *testing.T) {
	m := NewMailer(SMTPConfig{Host: "smtp.test", Username: "bot@biobanco.test"})
	if m.cfg.Port != 587 || m.cfg.From != "bot@biobanco.test" {
		t.Fatalf("cfg = %+v", m.cfg)
	}
	if (SMTPConfig{}).Enabled() {
		t.Fatalf("empty config must be disabled")
	}
}
