package notify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
)

// ErrDisabled is returned by Dispatcher.FileUpdated when no recipient is set.
var ErrDisabled = errors.New("notifications disabled")

// Dispatcher queues notifications on a bounded ants pool.
type Dispatcher struct {
	sender     Sender
	recipients []string
	timeout    time.Duration

	pool *ants.Pool
	wg   sync.WaitGroup
}

// NewDispatcher returns a dispatcher sending through sender to recipients
// with at most size concurrent deliveries. A full pool rejects new work
// instead of blocking the caller.
func NewDispatcher(sender Sender, recipients []string, size int, timeout time.Duration) (*Dispatcher, error) {
	if size <= 0 {
		size = 2
	}
	pool, err := ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			log.Error().Interface("panic", p).Msg("notification worker panicked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("notification pool: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{sender: sender, recipients: recipients, timeout: timeout, pool: pool}, nil
}

// Enabled reports whether any recipient is configured.
func (d *Dispatcher) Enabled() bool { return d != nil && len(d.recipients) > 0 }

// FileUpdated snapshots localPath and queues a "file uploaded" email with it
// attached. It returns once the message is queued; delivery errors are only
// logged.
func (d *Dispatcher) FileUpdated(kind, localPath string) error {
	if !d.Enabled() {
		return ErrDisabled
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", localPath, err)
	}
	msg := Message{
		To:          d.recipients,
		Subject:     fmt.Sprintf("Nuevo archivo %s subido al servidor", kind),
		Body:        fmt.Sprintf("Se ha subido un nuevo archivo %s al servidor.", kind),
		Attachments: []Attachment{{Name: filepath.Base(localPath), Data: data}},
	}
	return d.Enqueue(msg)
}

// Enqueue hands msg to the pool.
func (d *Dispatcher) Enqueue(msg Message) error {
	d.wg.Add(1)
	err := d.pool.Submit(func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.sender.Send(ctx, msg); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Strs("to", msg.To).Msg("notification failed")
			return
		}
		log.Info().Str("subject", msg.Subject).Strs("to", msg.To).Msg("notification sent")
	})
	if err != nil {
		d.wg.Done()
		return fmt.Errorf("queue notification: %w", err)
	}
	return nil
}

// Close waits for queued deliveries, up to ctx, then releases the pool.
func (d *Dispatcher) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	d.pool.Release()
	return err
}
