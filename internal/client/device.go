package client

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/schoolkiosk/kiosk-relay-go/internal/config"
	apperrors "github.com/schoolkiosk/kiosk-relay-go/internal/errors"
	"github.com/schoolkiosk/kiosk-relay-go/internal/model"
	"github.com/schoolkiosk/kiosk-relay-go/internal/notify"
)

// Local teardown reasons, in addition to the server's deletion reasons.
const (
	ReasonAdminRemoved    = "admin_removed"
	ReasonHeartbeatFailed = "heartbeat_failed"
	ReasonConnectionLost  = "connection_lost"
	ReasonClosed          = "closed"
)

type UpdateType string

const (
	UpdatePaired       UpdateType = "paired"
	UpdateControl      UpdateType = "control"
	UpdateDisconnected UpdateType = "disconnected"
)

// Update is what a display renders next.
type Update struct {
	Type          UpdateType
	PeerSessionID string
	Payload       model.ControlPayload
	Reason        string
	Message       string
}

// teardown records why a device stopped; only the first cause counts.
type teardown struct {
	once    sync.Once
	done    chan struct{}
	reason  string
	message string
}

func newTeardown() *teardown {
	return &teardown{done: make(chan struct{})}
}

func (t *teardown) fire(reason, message string) bool {
	fired := false
	t.once.Do(func() {
		t.reason, t.message = reason, message
		close(t.done)
		fired = true
	})
	return fired
}

func (t *teardown) isDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func deletedReason(ev notify.Event) string {
	var data notify.DeletedData
	if err := json.Unmarshal(ev.Data, &data); err != nil || data.Reason == "" {
		return notify.ReasonDisconnect
	}
	return data.Reason
}

// OutputDevice is the display side: it holds a PIN, heartbeats while alive and turns
// control state changes into Updates. It never reconnects; a fresh device must be started.
type OutputDevice struct {
	client            *Client
	heartbeatInterval time.Duration

	issued  *IssuedPin
	updates chan Update
	td      *teardown
	cancel  context.CancelFunc

	mu   sync.Mutex
	peer string
	last []byte

	emitMu sync.Mutex
	closed bool
}

func NewOutputDevice(c *Client, heartbeatInterval time.Duration) *OutputDevice {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	return &OutputDevice{
		client:            c,
		heartbeatInterval: heartbeatInterval,
		updates:           make(chan Update, 16),
		td:                newTeardown(),
	}
}

// Start issues a PIN and begins watching the session. The returned PIN is what the
// display shows.
func (d *OutputDevice) Start(ctx context.Context) (*IssuedPin, error) {
	issued, err := d.client.IssuePin(ctx)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	events, err := d.client.Watch(runCtx, issued.SessionID)
	if err != nil {
		cancel()
		_ = d.client.Disconnect(ctx, issued.SessionID, "")
		return nil, err
	}

	d.issued = issued
	d.cancel = cancel
	go d.run(runCtx, events)
	return issued, nil
}

func (d *OutputDevice) SessionID() string {
	if d.issued == nil {
		return ""
	}
	return d.issued.SessionID
}

func (d *OutputDevice) Updates() <-chan Update { return d.updates }

func (d *OutputDevice) Done() <-chan struct{} { return d.td.done }

// Reason reports why the device stopped; empty until Done is closed.
func (d *OutputDevice) Reason() (reason, message string) {
	if !d.td.isDone() {
		return "", ""
	}
	return d.td.reason, d.td.message
}

func (d *OutputDevice) Peer() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peer
}

// Close disconnects the pair on the server and stops the device.
func (d *OutputDevice) Close(ctx context.Context) error {
	if d.issued == nil || d.td.isDone() {
		return nil
	}
	d.stop(ReasonClosed, "")
	return d.client.Disconnect(ctx, d.issued.SessionID, "")
}

func (d *OutputDevice) stop(reason, message string) {
	if !d.td.fire(reason, message) {
		return
	}
	d.cancel()
	d.emit(Update{Type: UpdateDisconnected, Reason: reason, Message: message})

	d.emitMu.Lock()
	d.closed = true
	close(d.updates)
	d.emitMu.Unlock()

	log.Info().Str("sessionId", d.issued.SessionID).Str("reason", reason).Msg("output device stopped")
}

// emit never blocks the event loop; a display that stops reading only loses
// intermediate states, which last-write-wins allows.
func (d *OutputDevice) emit(u Update) {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.updates <- u:
	default:
		log.Warn().Str("update", string(u.Type)).Msg("output update dropped")
	}
}

func (d *OutputDevice) run(ctx context.Context, events <-chan notify.Event) {
	heartbeat := time.NewTicker(d.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				d.stop(ReasonConnectionLost, "")
				return
			}
			if d.handle(ev) {
				return
			}

		case <-heartbeat.C:
			hbCtx, cancel := context.WithTimeout(ctx, config.WSWriteTimeout)
			err := d.client.Heartbeat(hbCtx, d.issued.SessionID)
			cancel()
			if err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("sessionId", d.issued.SessionID).Msg("heartbeat failed")
				d.stop(ReasonHeartbeatFailed, err.Error())
				return
			}
		}
	}
}

// handle applies one event and reports whether the device has stopped.
func (d *OutputDevice) handle(ev notify.Event) bool {
	switch ev.Type {
	case notify.EventSnapshot:
		var session model.Session
		if err := json.Unmarshal(ev.Data, &session); err != nil {
			log.Warn().Err(err).Msg("bad snapshot")
			return false
		}
		if peer := session.Peer(); peer != "" {
			d.setPeer(peer)
		}
		if session.ControlState != nil {
			return d.applyControlState(*session.ControlState)
		}

	case notify.EventPaired:
		var data notify.PairedData
		if err := json.Unmarshal(ev.Data, &data); err == nil {
			d.setPeer(data.ControlSessionID)
		}

	case notify.EventControlState:
		return d.applyControlState(ev.Data)

	case notify.EventAdminRemoved:
		var notice model.AdminNotice
		_ = json.Unmarshal(ev.Data, &notice)
		d.stop(ReasonAdminRemoved, notice.Message)
		return true

	case notify.EventExpired:
		d.stop(notify.ReasonExpired, "")
		return true

	case notify.EventDeleted:
		d.stop(deletedReason(ev), "")
		return true
	}
	return false
}

func (d *OutputDevice) setPeer(peer string) {
	d.mu.Lock()
	changed := d.peer != peer
	d.peer = peer
	d.mu.Unlock()

	if changed {
		d.emit(Update{Type: UpdatePaired, PeerSessionID: peer})
	}
}

// applyControlState drops repeats of the current payload; snapshots and reconnects
// deliver the same state more than once.
func (d *OutputDevice) applyControlState(raw json.RawMessage) bool {
	state, err := model.DecodeControlState(raw)
	if err != nil {
		log.Warn().Err(err).Msg("ignoring undecodable control state")
		return false
	}
	if state.Notice != nil {
		d.stop(ReasonAdminRemoved, state.Notice.Message)
		return true
	}

	canonical, err := model.EncodeControlPayload(state.Payload)
	if err != nil {
		return false
	}

	d.mu.Lock()
	repeat := bytes.Equal(d.last, canonical)
	d.last = canonical
	d.mu.Unlock()

	if !repeat {
		d.emit(Update{Type: UpdateControl, Payload: state.Payload})
	}
	return false
}

// ControlDevice is the controller side. Its capability is fixed at pairing; once torn
// down, every Send fails with NotPaired and the user must pair again.
type ControlDevice struct {
	client     *Client
	capability model.Capability
	td         *teardown
	cancel     context.CancelFunc
}

// PairControl claims the display showing pin and starts watching for removal.
func PairControl(ctx context.Context, c *Client, pin string) (*ControlDevice, error) {
	capability, err := c.Pair(ctx, pin)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	events, err := c.Watch(runCtx, capability.ControlSessionID)
	if err != nil {
		cancel()
		_ = c.Disconnect(ctx, capability.ControlSessionID, capability.PairingToken)
		return nil, err
	}

	d := &ControlDevice{
		client:     c,
		capability: *capability,
		td:         newTeardown(),
		cancel:     cancel,
	}
	go d.run(runCtx, events)
	return d, nil
}

func (d *ControlDevice) Capability() model.Capability { return d.capability }

func (d *ControlDevice) Done() <-chan struct{} { return d.td.done }

func (d *ControlDevice) Reason() (reason, message string) {
	if !d.td.isDone() {
		return "", ""
	}
	return d.td.reason, d.td.message
}

func (d *ControlDevice) Send(ctx context.Context, payload model.ControlPayload) error {
	if d.td.isDone() {
		return apperrors.NotPaired()
	}

	_, err := d.client.Send(ctx, d.capability, payload)
	if apperrors.HasCode(err, apperrors.ErrCodeNotPaired) {
		d.stop(notify.ReasonDisconnect, "")
	}
	return err
}

func (d *ControlDevice) Disconnect(ctx context.Context) error {
	if d.td.isDone() {
		return nil
	}
	d.stop(ReasonClosed, "")
	return d.client.Disconnect(ctx, d.capability.ControlSessionID, d.capability.PairingToken)
}

func (d *ControlDevice) stop(reason, message string) {
	if d.td.fire(reason, message) {
		d.cancel()
		log.Info().
			Str("controlSessionId", d.capability.ControlSessionID).
			Str("reason", reason).
			Msg("control device stopped")
	}
}

func (d *ControlDevice) run(ctx context.Context, events <-chan notify.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				d.stop(ReasonConnectionLost, "")
				return
			}
			switch ev.Type {
			case notify.EventSnapshot:
				var session model.Session
				if err := json.Unmarshal(ev.Data, &session); err == nil &&
					session.ControlState != nil && model.IsAdminNotice(*session.ControlState) {
					var notice model.AdminNotice
					_ = json.Unmarshal(*session.ControlState, &notice)
					d.stop(ReasonAdminRemoved, notice.Message)
					return
				}
			case notify.EventAdminRemoved:
				var notice model.AdminNotice
				_ = json.Unmarshal(ev.Data, &notice)
				d.stop(ReasonAdminRemoved, notice.Message)
				return
			case notify.EventDeleted:
				d.stop(deletedReason(ev), "")
				return
			}
		}
	}
}
