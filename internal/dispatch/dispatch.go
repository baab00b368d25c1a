// Package dispatch runs the command path: controller intent in, device
// delivery (or queue and wake) out, device acks relayed back.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/remoteeye/relay/internal/command"
	"github.com/remoteeye/relay/internal/metrics"
	"github.com/remoteeye/relay/internal/protocol"
	"github.com/remoteeye/relay/internal/registry"
	"github.com/remoteeye/relay/internal/store"
	"github.com/remoteeye/relay/internal/wake"
)

var (
	// ErrPermissionDenied rejects a controller commanding a device it is not
	// bound to.
	ErrPermissionDenied = errors.New("dispatch: controller not bound to device")
	// ErrUnknownAction rejects an action verb outside the closed set.
	ErrUnknownAction = errors.New("dispatch: unknown action")
)

// Result reports what happened to a dispatched command: pushed to the live
// session, or parked in the queue at the given 1-based position.
type Result struct {
	Command   command.Command
	Delivered bool
	Position  int
}

// Dispatcher owns command ordering per device. Every command is persisted
// before any delivery attempt, so a crash between accept and deliver leaves
// an auditable pending row rather than nothing.
type Dispatcher struct {
	store    store.Store
	registry *registry.Registry
	queue    *command.Queue
	wake     *wake.Escalator
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func New(st store.Store, reg *registry.Registry, q *command.Queue, esc *wake.Escalator, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    st,
		registry: reg,
		queue:    q,
		wake:     esc,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source. Test use only.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Dispatch accepts a command from a controller. The controller must be bound
// to the target device; anything else is a permission error, indistinguishable
// whether the device exists or not.
func (d *Dispatcher) Dispatch(ctx context.Context, controllerID, deviceID, action string, params map[string]any) (Result, error) {
	act, err := command.ParseAction(action)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	ctl, err := d.store.Controller(ctx, controllerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, ErrPermissionDenied
		}
		return Result{}, err
	}
	if ctl.DeviceID != deviceID {
		d.metrics.Inc(metrics.PermissionDenied)
		d.logger.Warn("command refused, controller not bound to device",
			"controller_id", controllerID, "device_id", deviceID)
		return Result{}, ErrPermissionDenied
	}

	dev, err := d.store.Device(ctx, deviceID)
	if err != nil {
		return Result{}, err
	}

	now := d.now().UTC()
	cmd := command.New(deviceID, act, params, now)
	if err := d.store.CreateCommand(ctx, cmd); err != nil {
		return Result{}, err
	}

	if delivered := d.deliver(ctx, cmd); delivered != nil {
		d.metrics.Inc(metrics.CommandsDelivered)
		d.logger.Info("command delivered",
			"command_id", cmd.ID, "device_id", deviceID, "action", act)
		return Result{Command: *delivered, Delivered: true}, nil
	}

	position, evicted := d.queue.Enqueue(cmd)
	d.metrics.Inc(metrics.CommandsQueued)
	d.finalizeEvicted(ctx, evicted)
	d.logger.Info("command queued, device offline",
		"command_id", cmd.ID, "device_id", deviceID, "action", act, "position", position)

	if d.wake != nil {
		d.wake.Go(wake.Notification{
			Kind:      wake.KindCommand,
			DeviceID:  deviceID,
			PushToken: dev.PushToken,
			CommandID: cmd.ID,
			Action:    string(act),
		})
	}

	return Result{Command: cmd, Delivered: false, Position: position}, nil
}

// deliver pushes cmd to the device's live session and marks it delivered.
// Returns nil when the device is offline or its send queue rejected the
// frame; the caller queues it instead.
func (d *Dispatcher) deliver(ctx context.Context, cmd command.Command) *command.Command {
	now := d.now().UTC()
	frame := protocol.NewServerCommandDelivery(now, cmd.ID, string(cmd.Action), cmd.Params)
	if !d.registry.SendToDevice(cmd.DeviceID, frame) {
		return nil
	}

	updated, err := d.store.TransitionCommand(ctx, cmd.ID, command.StatusDelivered, "", now)
	if err != nil {
		// The frame is already on the wire; the ack path will move the
		// status forward regardless.
		d.logger.Error("failed to mark command delivered", "command_id", cmd.ID, "err", err)
		cmd.Status = command.StatusDelivered
		return &cmd
	}
	return &updated
}

func (d *Dispatcher) finalizeEvicted(ctx context.Context, evicted []command.Command) {
	for _, old := range evicted {
		d.metrics.Inc(metrics.CommandsEvicted)
		if _, err := d.store.TransitionCommand(ctx, old.ID, command.StatusFailed, "evicted: queue full", d.now().UTC()); err != nil {
			d.logger.Error("failed to finalize evicted command", "command_id", old.ID, "err", err)
		}
		d.logger.Warn("queued command evicted", "command_id", old.ID, "device_id", old.DeviceID)
	}
}

// Queued reports how many commands are parked for the device.
func (d *Dispatcher) Queued(deviceID string) int {
	return d.queue.Len(deviceID)
}

// OnDeviceConnect drains the device's queue in FIFO order, pipelined without
// waiting for acks. If the session dies mid-drain the unsent remainder goes
// back to the queue in order.
func (d *Dispatcher) OnDeviceConnect(ctx context.Context, deviceID string) {
	pending := d.queue.Drain(deviceID)
	if len(pending) == 0 {
		return
	}
	d.logger.Info("draining queued commands", "device_id", deviceID, "count", len(pending))

	for i, cmd := range pending {
		if delivered := d.deliver(ctx, cmd); delivered == nil {
			for _, rest := range pending[i:] {
				d.queue.Enqueue(rest)
			}
			d.logger.Warn("drain interrupted, commands requeued",
				"device_id", deviceID, "requeued", len(pending)-i)
			return
		}
		d.metrics.Inc(metrics.CommandsDrained)
		d.metrics.Inc(metrics.CommandsDelivered)
	}
}

// HandleAck applies a device's progress report and relays it to the device's
// watchers. Acks for commands the device does not own are dropped.
func (d *Dispatcher) HandleAck(ctx context.Context, deviceID string, ack protocol.CommandAck) {
	ackStatus, err := command.ParseAckStatus(ack.Status)
	if err != nil {
		d.metrics.Inc(metrics.AcksDropped)
		d.logger.Warn("dropping ack with unknown status",
			"command_id", ack.CommandID, "device_id", deviceID, "status", ack.Status)
		return
	}

	cmd, err := d.store.Command(ctx, ack.CommandID)
	if err != nil || cmd.DeviceID != deviceID {
		d.metrics.Inc(metrics.AcksDropped)
		d.logger.Warn("dropping ack for foreign or unknown command",
			"command_id", ack.CommandID, "device_id", deviceID)
		return
	}

	if to, advances := ackStatus.CommandStatus(); advances {
		if _, err := d.store.TransitionCommand(ctx, ack.CommandID, to, ack.Error, d.now().UTC()); err != nil {
			if errors.Is(err, store.ErrStaleTransition) {
				// Out-of-order ack. The stored status already moved past it;
				// still worth relaying.
				d.logger.Debug("stale ack ignored for status",
					"command_id", ack.CommandID, "status", ack.Status)
			} else {
				d.logger.Error("failed to apply ack", "command_id", ack.CommandID, "err", err)
			}
		}
	}

	frame := protocol.NewServerCommandAck(d.now().UTC(), deviceID, ack)
	if n := d.registry.BroadcastToWatchers(deviceID, frame); n > 0 {
		d.metrics.Inc(metrics.AcksRelayed)
	} else {
		// Nobody is watching. The store keeps the record; the frame is not
		// owed to anyone.
		d.metrics.Inc(metrics.AcksDropped)
	}
}
