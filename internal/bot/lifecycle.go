package bot

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"storebot/internal/models"
)

func (r *Runtime) markReady() {
	r.readyOnce.Do(func() { close(r.ready) })
}

// transition moves the runtime to status unless it has been stopped
func (r *Runtime) transition(status models.BotStatus, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == models.StatusStopped {
		return false
	}
	r.status = status
	r.lastErr = reason
	return true
}

// run verifies the credential against Telegram and starts polling when the
// runtime is in POLLING mode. It is started once per runtime.
func (r *Runtime) run() {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	defer r.markReady()

	if r.Status() == models.StatusStopped {
		return
	}

	client, err := r.factory.Connect(r.credential)
	if err != nil {
		r.logger.Error("Failed to verify bot credential", zap.Error(err))
		r.transition(models.StatusError, err.Error())
		return
	}

	r.mu.Lock()
	r.client = client
	r.mu.Unlock()
	if !r.transition(models.StatusActive, "") {
		return
	}

	r.logger.Info("Bot connected",
		zap.String("bot_username", client.Self().UserName),
		zap.String("transport_mode", string(r.TransportMode())),
	)

	if r.TransportMode() == models.TransportPolling {
		if err := r.startPollingLocked(); err != nil {
			r.logger.Error("Failed to start polling", zap.Error(err))
			r.transition(models.StatusError, err.Error())
		}
	}
}

// startPollingLocked starts the long-polling loop. opMu must be held.
func (r *Runtime) startPollingLocked() error {
	if r.pollDone != nil {
		return nil
	}

	client := r.Client()
	if client == nil {
		return fmt.Errorf("no client connected")
	}
	// A client's update stream cannot be restarted once stopped
	if r.pollStopped {
		fresh, err := r.factory.Connect(r.credential)
		if err != nil {
			return err
		}
		client = fresh
		r.mu.Lock()
		r.client = fresh
		r.mu.Unlock()
		r.pollStopped = false
	}

	r.logger.Info("Starting bot in polling mode")

	// Telegram refuses getUpdates while a webhook is set
	if err := client.DeleteWebhook(false); err != nil {
		r.logger.Warn("Failed to delete webhook", zap.Error(err))
	}

	updates := client.Updates(r.pollTimeout)
	stop := make(chan struct{})
	done := make(chan struct{})
	r.pollStop = stop
	r.pollDone = done
	go r.consume(updates, stop, done)
	return nil
}

// stopPollingLocked aborts the long poll and waits only for an update that
// is already being handled, bounded by the stop timeout. opMu must be held.
func (r *Runtime) stopPollingLocked() {
	if r.pollDone == nil {
		return
	}
	stop, done := r.pollStop, r.pollDone
	r.pollStop, r.pollDone = nil, nil

	close(stop)
	r.Client().StopUpdates()
	r.pollStopped = true

	select {
	case <-done:
		r.logger.Info("Polling stopped")
	case <-time.After(r.stopTimeout):
		r.logger.Warn("Timed out waiting for update handler to finish", zap.Duration("timeout", r.stopTimeout))
	}
}

// consume dispatches polled updates until stop is closed. Updates that
// arrive afterwards are dropped unacknowledged, so Telegram delivers them
// again to whichever transport takes over.
func (r *Runtime) consume(updates tgbotapi.UpdatesChannel, stop <-chan struct{}, done chan struct{}) {
	defer close(done)
	defer func() {
		// The library closes the channel once its aborted request returns
		go func() {
			for range updates {
			}
		}()
	}()

	for {
		select {
		case <-stop:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			select {
			case <-stop:
				return
			default:
			}
			if err := r.Process(context.Background(), update); err != nil {
				r.logger.Warn("Failed to process polled update",
					zap.Int("update_id", update.UpdateID),
					zap.Error(err),
				)
			}
		}
	}
}

// setTransportMode switches between webhook delivery and long polling
func (r *Runtime) setTransportMode(mode models.TransportMode) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	prev := r.mode
	r.mode = mode
	status := r.status
	r.mu.Unlock()

	if prev == mode {
		return nil
	}
	r.logger.Info("Switching transport mode",
		zap.String("from", string(prev)),
		zap.String("to", string(mode)),
	)

	switch {
	case mode == models.TransportWebhook:
		r.stopPollingLocked()
	case status == models.StatusActive:
		if err := r.startPollingLocked(); err != nil {
			return fmt.Errorf("failed to start polling: %w", err)
		}
	}
	return nil
}

// stop marks the runtime STOPPED and releases its polling loop. Dispatch to a
// stopped runtime fails with ErrStopped.
func (r *Runtime) stop() {
	r.mu.Lock()
	already := r.status == models.StatusStopped
	r.status = models.StatusStopped
	r.mu.Unlock()
	r.markReady()
	if already {
		return
	}

	r.opMu.Lock()
	defer r.opMu.Unlock()
	r.stopPollingLocked()
	r.logger.Info("Bot stopped")
}

// Process runs update through the store's handler. It waits while the
// runtime is STARTING and counts the update only when the handler succeeds.
func (r *Runtime) Process(ctx context.Context, update tgbotapi.Update) (err error) {
	select {
	case <-r.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	switch r.Status() {
	case models.StatusStopped:
		return ErrStopped
	case models.StatusError:
		return fmt.Errorf("%w: %s", ErrNotReady, r.LastError())
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Handler panicked",
				zap.Int("update_id", update.UpdateID),
				zap.Any("panic", p),
			)
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()

	if err := r.handler.HandleUpdate(ctx, r, update); err != nil {
		return err
	}

	r.messageCount.Add(1)
	r.lastActivity.Store(time.Now().UnixNano())
	return nil
}

// send delivers msg with the runtime's client
func (r *Runtime) send(msg tgbotapi.Chattable) error {
	client := r.Client()
	if client == nil {
		return ErrNotReady
	}
	if _, err := client.Send(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (r *Runtime) request(c tgbotapi.Chattable) error {
	client := r.Client()
	if client == nil {
		return ErrNotReady
	}
	return client.Request(c)
}
