// Package routine implements SID 0x31 RoutineControl: a flat map from an
// identifier to a small config bundle, looked up once per request.
package routine

import (
	"github.com/sirupsen/logrus"

	uds "github.com/tinyecu/udsdiag"
)

// RoutineFunc runs one routine sub-function. data is the request payload
// after sub-function/id; out is the response scratch buffer the function
// may fill starting at offset 0 (the dispatcher-visible offset 3 is handled
// by this package). op lets a long-running routine return ResultPending.
type RoutineFunc func(data []byte, op uds.OpStatus, out []byte) (outLen int, result uds.Result, err error)

// Config is one routine's configuration. Stop and Results may be nil if
// the routine does not support them.
type Config struct {
	ID         uint16
	GatingMask uint32
	Start      RoutineFunc
	Stop       RoutineFunc
	Results    RoutineFunc
}

// Handler implements uds.Handler for SID 0x31.
type Handler struct {
	routines map[uint16]*Config
	logger   *logrus.Entry
}

// New builds a RoutineControl Handler over the given routine configs.
// logger may be nil, matching NewDispatcher's own nil-logger fallback.
func New(logger *logrus.Entry, routines ...Config) *Handler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	h := &Handler{
		routines: make(map[uint16]*Config, len(routines)),
		logger:   logger.WithField("service", "[ROUTINE]"),
	}
	for i := range routines {
		c := routines[i]
		h.routines[c.ID] = &c
	}
	return h
}

const responsePrefixLen = 3

// Handle dispatches on the start/stop/results sub-function and frames the
// routine's response.
func (h *Handler) Handle(ctx *uds.MessageContext, diag *uds.DiagnosticContext, op uds.OpStatus) (uds.Result, error) {
	if len(ctx.Request) < responsePrefixLen {
		return 0, uds.NRCIncorrectMessageLengthOrInvalidFormat
	}
	sub := ctx.Request[0]
	id := uint16(ctx.Request[1])<<8 | uint16(ctx.Request[2])
	h.logger.WithField("id", id).WithField("sub", sub).Debug("routine control request")

	cfg, ok := h.routines[id]
	if !ok {
		h.logger.WithField("id", id).Warn("unknown routine id")
		return 0, uds.NRCRequestOutOfRange
	}
	if err := uds.CheckDIDGating(diag, cfg.GatingMask); err != nil {
		h.logger.WithField("id", id).Warn("routine gating check failed")
		return 0, err
	}

	var fn RoutineFunc
	switch sub {
	case 0x01:
		fn = cfg.Start
	case 0x02:
		fn = cfg.Stop
	case 0x03:
		fn = cfg.Results
	default:
		return 0, uds.NRCSubFunctionNotSupported
	}
	if fn == nil {
		h.logger.WithField("id", id).WithField("sub", sub).Warn("routine sub-function not supported")
		return 0, uds.NRCSubFunctionNotSupported
	}
	if ctx.ResponseCapacity() < responsePrefixLen {
		return 0, uds.NRCResponseTooLong
	}

	outLen, result, err := fn(ctx.Request[responsePrefixLen:], op, ctx.Response[responsePrefixLen:])
	if err != nil {
		return 0, err
	}
	if responsePrefixLen+outLen > ctx.ResponseCapacity() {
		return 0, uds.NRCResponseTooLong
	}

	ctx.Response[0] = sub
	ctx.Response[1] = ctx.Request[1]
	ctx.Response[2] = ctx.Request[2]
	ctx.ResponseLength = responsePrefixLen + outLen
	h.logger.WithField("id", id).WithField("sub", sub).WithField("result", result).Debug("routine control response")
	return result, nil
}
