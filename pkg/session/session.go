// Package session implements SID 0x10 DiagnosticSessionControl: a
// requested session is checked against a fixed set of legal sessions
// before any side effect runs.
package session

import (
	"github.com/sirupsen/logrus"

	uds "github.com/tinyecu/udsdiag"
)

// PermissionFunc lets the integrator veto a session change (e.g. extended
// session only from a specific physical diagnostic connector state).
type PermissionFunc func(current, requested uint8) error

// Config is the construction-time SessionControl configuration.
type Config struct {
	// Sessions is the set of session ids this ECU supports, including the
	// default session.
	Sessions []uint8
	// Permission is consulted after the requested session id is confirmed
	// supported; a non-nil error aborts the change.
	Permission PermissionFunc
}

// Handler implements uds.Handler for SID 0x10.
type Handler struct {
	cfg     Config
	allowed map[uint8]bool
	logger  *logrus.Entry
}

// New builds a session-control Handler. Panics if cfg.Sessions is empty —
// there is no legal session to start in otherwise. logger may be nil, in
// which case the standard logger is used.
func New(cfg Config, logger *logrus.Entry) *Handler {
	if len(cfg.Sessions) == 0 {
		panic("session: at least one session id must be configured")
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	allowed := make(map[uint8]bool, len(cfg.Sessions))
	for _, s := range cfg.Sessions {
		allowed[s] = true
	}
	return &Handler{cfg: cfg, allowed: allowed, logger: logger.WithField("service", "[SESSION]")}
}

// Handle validates the requested session, consults the permission
// callback, and on success applies the change and writes the timing
// payload.
func (h *Handler) Handle(ctx *uds.MessageContext, diag *uds.DiagnosticContext, op uds.OpStatus) (uds.Result, error) {
	if len(ctx.Request) != 1 {
		h.logger.WithField("len", len(ctx.Request)).Debug("bad request length")
		return 0, uds.NRCIncorrectMessageLengthOrInvalidFormat
	}
	requested := ctx.Request[0]
	h.logger.WithField("requested", requested).Debug("session control request")
	if !h.allowed[requested] {
		h.logger.WithField("requested", requested).Warn("unsupported session requested")
		return 0, uds.NRCSubFunctionNotSupported
	}
	if h.cfg.Permission != nil {
		if err := h.cfg.Permission(diag.Session, requested); err != nil {
			h.logger.WithField("requested", requested).Warn("session change refused by permission callback")
			return 0, err
		}
	}

	diag.ApplySessionChange(requested)
	h.logger.WithField("session", requested).Info("session changed")

	payload := diag.Timing.SessionControlPayload(requested)
	if ctx.ResponseCapacity() < len(payload) {
		return 0, uds.NRCResponseTooLong
	}
	ctx.ResponseLength = copy(ctx.Response, payload[:])
	return uds.ResultOK, nil
}
