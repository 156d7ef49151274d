// Package uds implements a UDS (ISO 14229) server-side service dispatcher:
// request parsing, session/security/addressing gating, and the P2/S3 timing
// counters that drive session timeouts and response-pending retries. Wire
// framing (CAN-TP), DTC storage (DEM), persistence (NVM) and application
// semantics of any DID/routine are the integrator's concern, described here
// only as callback interfaces.
package uds

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultSessionID is the session the dispatcher falls back to when S3
// expires.
const DefaultSessionID uint8 = 1

// SessionChangeIndication is the integrator callback fired whenever the
// active session actually changes, including the S3-timeout-forced return
// to the default session.
type SessionChangeIndication func(old, new uint8)

// ResetCallback fires once the configured reset delay has elapsed after an
// ECUReset request.
type ResetCallback func(kind ResetType)

// TransportSink is how the dispatcher hands a finished wire frame back to
// the transport layer: positive (`SID+0x40, payload...`), negative
// (`0x7F, SID, NRC`), including repeated Response-Pending frames.
type TransportSink func(wire []byte)

type rxRequest struct {
	frame      []byte
	addressing AddressingMode
}

// Dispatcher is the process-wide engine: exactly one request is ever in
// flight; external callers only ever call Handle (to submit a new frame)
// and Process (to run the cooperative event loop).
type Dispatcher struct {
	logger *logrus.Entry
	table  *ServiceTable
	timing TimingConfig
	diag   *DiagnosticContext
	sendFn TransportSink

	responseCapacity int

	onSessionChangeIndication SessionChangeIndication
	onReset                   ResetCallback

	s3Remaining    uint32
	p2Remaining    uint32
	pendingRepeats uint32
	resetRemaining uint32

	activeEntry *ServiceEntry
	activeCtx   *MessageContext

	rx chan rxRequest
}

// NewDispatcher builds a Dispatcher over table, using timing for S3/P2/reset
// bookkeeping and responseCapacity as the size of the response scratch
// buffer handed to every handler invocation.
func NewDispatcher(table *ServiceTable, timing TimingConfig, responseCapacity int, logger *logrus.Entry) (*Dispatcher, error) {
	if table == nil || responseCapacity <= 0 {
		return nil, ErrIllegalArgument
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	d := &Dispatcher{
		logger:           logger.WithField("service", "[DISP]"),
		table:            table,
		timing:           timing,
		responseCapacity: responseCapacity,
		rx:               make(chan rxRequest, 8),
	}
	d.diag = newDiagnosticContext(DefaultSessionID)
	d.diag.Timing = timing
	d.diag.Notifier = d
	d.diag.Resets = d
	d.s3Remaining = timing.s3Ticks()
	return d, nil
}

// OnSessionChange registers the session-change indication callback.
func (d *Dispatcher) OnSessionChange(cb SessionChangeIndication) { d.onSessionChangeIndication = cb }

// OnReset registers the ECUReset completion callback.
func (d *Dispatcher) OnReset(cb ResetCallback) { d.onReset = cb }

// SetTransportSink registers where finished wire frames are delivered.
func (d *Dispatcher) SetTransportSink(fn TransportSink) { d.sendFn = fn }

// Diagnostic returns the live diagnostic context, for integrators that need
// to inspect current session/security state outside of a handler (read-only
// use is expected; mutation bypasses the invariants the dispatcher enforces).
func (d *Dispatcher) Diagnostic() *DiagnosticContext { return d.diag }

// Handle submits a newly-received request frame (first byte is the SID) for
// processing by Process's event loop. Mirrors pkg/sdo/server.go's Handle:
// non-blocking; up to eight frames wait in a queue, and a frame arriving
// while that queue is full is dropped and logged.
func (d *Dispatcher) Handle(frame []byte, addressing AddressingMode) {
	select {
	case d.rx <- rxRequest{frame: frame, addressing: addressing}:
	default:
		d.logger.Warn("dropped request frame, dispatcher busy")
	}
}

// DispatchNow processes frame synchronously on the calling goroutine,
// bypassing the Process event loop entirely. It is the simplest way to
// drive the dispatcher from a transport that is already single-threaded
// (and is what the test suites in this module use), but it must never be
// called concurrently with Process against the same Dispatcher.
func (d *Dispatcher) DispatchNow(frame []byte, addressing AddressingMode) {
	d.handleNewRequest(rxRequest{frame: frame, addressing: addressing})
}

// Tick runs one main-function period's worth of S3/P2/reset bookkeeping.
// Process calls this on its own ticker; callers driving the dispatcher
// synchronously via DispatchNow call it directly instead of running Process.
func (d *Dispatcher) Tick() { d.tick() }

// Process runs the cooperative dispatch loop until ctx is cancelled: one
// request at a time, driven by a period tick for S3/P2/reset bookkeeping,
// grounded on pkg/sdo/server.go's Process select loop.
func (d *Dispatcher) Process(ctx context.Context) error {
	period := time.Duration(d.timing.PeriodMs) * time.Millisecond
	if period <= 0 {
		period = time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-d.rx:
			d.handleNewRequest(req)
		case <-ticker.C:
			d.tick()
		}
	}
}

func (d *Dispatcher) handleNewRequest(req rxRequest) {
	// A new request interrupts whatever was still pending, giving the
	// handler one last chance to release resources; its response, if any,
	// is discarded.
	if d.diag.OpStatus == OpPending || d.diag.OpStatus == OpForceRCRRPOk {
		if d.activeEntry != nil {
			_, _ = d.activeEntry.Handler.Handle(d.activeCtx, d.diag, OpCancel)
		}
		d.clearActive()
	}

	d.diag.OpStatus = OpInitial
	d.s3Remaining = d.timing.s3Ticks() // every request reloads S3, incl. TesterPresent
	d.dispatch(req.frame, req.addressing)
}

// dispatch looks up the service entry by SID and applies addressing,
// session and security gating before invoking the handler.
func (d *Dispatcher) dispatch(frame []byte, addressing AddressingMode) {
	if len(frame) == 0 {
		d.send(negativeResponse(0, NRCIncorrectMessageLengthOrInvalidFormat))
		return
	}
	sid := frame[0]
	entry, ok := d.table.lookup(sid)
	if !ok {
		d.logger.WithField("sid", sid).Debug("service not supported")
		d.send(negativeResponse(sid, NRCServiceNotSupported))
		return
	}
	if !entry.Addressing.Allows(addressing) {
		if addressing == AddressingFunctional {
			return // functional requests an entry disallows are silently dropped
		}
		d.send(negativeResponse(sid, NRCServiceNotSupportedInActiveSession))
		return
	}
	if !entry.allowsSession(d.diag.Session) {
		d.send(negativeResponse(sid, NRCServiceNotSupportedInActiveSession))
		return
	}
	if !entry.allowsSecurity(d.diag.SecurityLevel) {
		d.send(negativeResponse(sid, NRCSecurityAccessDenied))
		return
	}

	ctx := &MessageContext{
		SID:        sid,
		Request:    frame[1:],
		Response:   make([]byte, d.responseCapacity),
		Addressing: addressing,
	}
	d.invoke(entry, ctx, OpInitial)
}

func (d *Dispatcher) invoke(entry *ServiceEntry, ctx *MessageContext, op OpStatus) {
	d.diag.OpStatus = op
	result, err := entry.Handler.Handle(ctx, d.diag, op)
	if err != nil {
		d.finish(negativeResponse(ctx.SID, AsNegativeResponse(err)))
		return
	}
	switch result {
	case ResultPending:
		d.activeEntry, d.activeCtx = entry, ctx
		if op == OpInitial {
			d.pendingRepeats = 0
		}
		d.diag.OpStatus = OpPending
		d.p2Remaining = d.timing.p2MaxTicks()
	case ResultForceRCRRP:
		// One immediate Response-Pending ack; the handler resolves for
		// real the next time it is invoked with OpForceRCRRPOk
		// (see the handler's OpForceRCRRPOk branch).
		d.activeEntry, d.activeCtx = entry, ctx
		d.diag.OpStatus = OpForceRCRRPOk
		d.p2Remaining = d.timing.p2MaxTicks()
		d.send(negativeResponse(ctx.SID, NRCResponsePending))
	default:
		d.finish(positiveResponse(ctx))
	}
}

func (d *Dispatcher) finish(wire []byte) {
	d.clearActive()
	d.diag.OpStatus = OpInitial
	d.send(wire)
}

func (d *Dispatcher) clearActive() {
	d.activeEntry = nil
	d.activeCtx = nil
	d.pendingRepeats = 0
}

func (d *Dispatcher) send(wire []byte) {
	if wire != nil && d.sendFn != nil {
		d.sendFn(wire)
	}
}

// tick runs once per main-function period: S3/P2/reset timers decrement
// here, never inside a handler invocation.
func (d *Dispatcher) tick() {
	if d.diag.ResetPending != ResetNone {
		d.tickReset()
		return
	}

	switch d.diag.OpStatus {
	case OpInitial:
		d.tickS3()
	case OpPending, OpForceRCRRPOk:
		d.tickPending()
	}
}

func (d *Dispatcher) tickS3() {
	if d.s3Remaining > 0 {
		d.s3Remaining--
		return
	}
	d.forceDefaultSession()
}

func (d *Dispatcher) tickPending() {
	if d.p2Remaining > 0 {
		d.p2Remaining--
		return
	}
	op := d.diag.OpStatus
	if op == OpPending {
		d.pendingRepeats++
		if d.timing.MaxPendingRepeats > 0 && d.pendingRepeats > d.timing.MaxPendingRepeats {
			d.finish(negativeResponse(d.activeCtx.SID, NRCConditionsNotCorrect))
			return
		}
		d.send(negativeResponse(d.activeCtx.SID, NRCResponsePending))
	}
	entry, ctx := d.activeEntry, d.activeCtx
	d.p2Remaining = d.timing.p2MaxTicks()
	d.invoke(entry, ctx, op)
}

func (d *Dispatcher) tickReset() {
	if d.resetRemaining > 0 {
		d.resetRemaining--
		return
	}
	kind := d.diag.ResetPending
	d.diag.ResetPending = ResetNone
	if d.onReset != nil {
		d.onReset(kind)
	}
}

// ScheduleReset arms the reset timer; pkg/control calls this once a valid
// ECUReset request is accepted. delayTicks is clamped to at least one tick.
func (d *Dispatcher) ScheduleReset(kind ResetType, delayTicks uint32) {
	if delayTicks == 0 {
		delayTicks = 1
	}
	d.diag.ResetPending = kind
	d.resetRemaining = delayTicks
}

func (d *Dispatcher) forceDefaultSession() {
	old := d.diag.Session
	if old == DefaultSessionID {
		d.s3Remaining = d.timing.s3Ticks()
		return
	}
	d.diag.ApplySessionChange(DefaultSessionID)
}

// NotifySessionChange implements SessionNotifier: it reloads S3/P2 for the
// new session and forwards to the integrator's indication callback.
func (d *Dispatcher) NotifySessionChange(old, new uint8) {
	d.s3Remaining = d.timing.s3Ticks()
	d.p2Remaining = d.timing.p2MaxTicks()
	if d.onSessionChangeIndication != nil {
		d.onSessionChangeIndication(old, new)
	}
}

func negativeResponse(sid uint8, nrc NegativeResponse) []byte {
	return []byte{0x7F, sid, byte(nrc)}
}

func positiveResponse(ctx *MessageContext) []byte {
	wire := make([]byte, 1+ctx.ResponseLength)
	wire[0] = ctx.SID + 0x40
	copy(wire[1:], ctx.Response[:ctx.ResponseLength])
	return wire
}

// CheckDIDGating is the shared per-DID/per-routine security gate used by
// pkg/data, pkg/ioctrl and pkg/routine: each configured item carries its
// own security-level mask, independent of (and typically narrower than)
// the owning service's SID-level mask. A zero mask means "any level
// allowed," matching the zero-value default of an unconfigured mask.
func CheckDIDGating(diag *DiagnosticContext, gatingMask uint32) error {
	if gatingMask != 0 && (diag.SecurityLevel > 31 || gatingMask&(1<<uint(diag.SecurityLevel)) == 0) {
		return NRCSecurityAccessDenied
	}
	return nil
}
