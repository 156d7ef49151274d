// Package ioctrl implements SID 0x2F InputOutputControlByIdentifier, as a
// per-DID array of five action callbacks.
package ioctrl

import (
	"github.com/sirupsen/logrus"

	uds "github.com/tinyecu/udsdiag"
)

// Action codes.
const (
	ActionReturnControlToECU uint8 = 0
	ActionResetToDefault     uint8 = 1
	ActionFreezeCurrentState uint8 = 2
	ActionShortTermAdjust    uint8 = 3
	ActionLongTermAdjust     uint8 = 4
	maxAction                      = ActionLongTermAdjust
)

// ActionFunc performs one IOControl action. data is the control data after
// the action byte; out is the response scratch buffer starting at offset 0
// (the dispatcher-visible offset 3 is handled by this package).
type ActionFunc func(data []byte, out []byte) (n int, err error)

// Config is one I/O-controllable DID's configuration. Actions not
// populated simply report requestOutOfRange.
type Config struct {
	ID         uint16
	GatingMask uint32
	Actions    [maxAction + 1]ActionFunc
}

// Handler implements uds.Handler for SID 0x2F.
type Handler struct {
	dids   map[uint16]*Config
	logger *logrus.Entry
}

// New builds an IOControl Handler over the given DID configs. logger may
// be nil, matching NewDispatcher's own nil-logger fallback.
func New(logger *logrus.Entry, dids ...Config) *Handler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	h := &Handler{
		dids:   make(map[uint16]*Config, len(dids)),
		logger: logger.WithField("service", "[IOCTRL]"),
	}
	for i := range dids {
		c := dids[i]
		h.dids[c.ID] = &c
	}
	return h
}

const requestPrefixLen = 3

// Handle looks up the DID, checks gating, and dispatches to the
// configured action callback.
func (h *Handler) Handle(ctx *uds.MessageContext, diag *uds.DiagnosticContext, op uds.OpStatus) (uds.Result, error) {
	if len(ctx.Request) < requestPrefixLen {
		return 0, uds.NRCIncorrectMessageLengthOrInvalidFormat
	}
	id := uint16(ctx.Request[0])<<8 | uint16(ctx.Request[1])
	action := ctx.Request[2]
	h.logger.WithField("did", id).WithField("action", action).Debug("io control request")
	if action > maxAction {
		h.logger.WithField("action", action).Warn("action out of range")
		return 0, uds.NRCRequestOutOfRange
	}
	cfg, ok := h.dids[id]
	if !ok {
		h.logger.WithField("did", id).Warn("unknown io control DID")
		return 0, uds.NRCRequestOutOfRange
	}
	if err := uds.CheckDIDGating(diag, cfg.GatingMask); err != nil {
		h.logger.WithField("did", id).Warn("DID gating check failed")
		return 0, err
	}
	fn := cfg.Actions[action]
	if fn == nil {
		h.logger.WithField("did", id).WithField("action", action).Warn("action not registered")
		return 0, uds.NRCRequestOutOfRange
	}
	if ctx.ResponseCapacity() < requestPrefixLen {
		return 0, uds.NRCResponseTooLong
	}

	n, err := fn(ctx.Request[requestPrefixLen:], ctx.Response[requestPrefixLen:])
	if err != nil {
		return 0, err
	}
	if requestPrefixLen+n > ctx.ResponseCapacity() {
		return 0, uds.NRCResponseTooLong
	}

	ctx.Response[0] = ctx.Request[0]
	ctx.Response[1] = ctx.Request[1]
	ctx.Response[2] = action
	ctx.ResponseLength = requestPrefixLen + n
	return uds.ResultOK, nil
}
