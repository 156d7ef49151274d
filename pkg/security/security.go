// Package security implements SID 0x27 SecurityAccess as a two-phase
// seed/key handshake with per-level attempt and delay-lockout bookkeeping.
package security

import (
	"time"

	"github.com/sirupsen/logrus"

	uds "github.com/tinyecu/udsdiag"
)

// SeedFunc produces the challenge seed for level. It is not called when the
// level is already granted; the handler then answers with an all-zero seed
// of the level's KeySize.
type SeedFunc func(level uint8) ([]byte, error)

// CompareFunc reports whether key is the correct key for level.
type CompareFunc func(level uint8, key []byte) (bool, error)

// LevelConfig is one security level's configuration.
type LevelConfig struct {
	Level        uint8
	KeySize      int
	SessionMask  uint32 // 0 means "any session"
	AttemptLimit uint32 // 0 means unlimited attempts
	DelayMs      uint32 // lockout duration once AttemptLimit is reached
	Seed         SeedFunc
	Compare      CompareFunc
}

type levelState struct {
	attempts    uint32
	lockedUntil time.Time
}

// Handler implements uds.Handler for SID 0x27.
type Handler struct {
	levels map[uint8]*LevelConfig
	state  map[uint8]*levelState
	now    func() time.Time
	logger *logrus.Entry
}

// New builds a SecurityAccess Handler over the given per-level configs.
// logger may be nil, matching NewDispatcher's own nil-logger fallback.
func New(logger *logrus.Entry, levels ...LevelConfig) *Handler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	h := &Handler{
		levels: make(map[uint8]*LevelConfig, len(levels)),
		state:  make(map[uint8]*levelState, len(levels)),
		now:    time.Now,
		logger: logger.WithField("service", "[SECURITY]"),
	}
	for i := range levels {
		lc := levels[i]
		h.levels[lc.Level] = &lc
		h.state[lc.Level] = &levelState{}
	}
	return h
}

// Handle dispatches on the odd/even sub-function byte: odd requests a
// seed, even verifies a key.
func (h *Handler) Handle(ctx *uds.MessageContext, diag *uds.DiagnosticContext, op uds.OpStatus) (uds.Result, error) {
	if len(ctx.Request) < 1 {
		return 0, uds.NRCIncorrectMessageLengthOrInvalidFormat
	}
	sfb := ctx.Request[0]
	level := (sfb + 1) / 2
	h.logger.WithField("level", level).WithField("sfb", sfb).Debug("security access request")
	cfg, ok := h.levels[level]
	if !ok {
		h.logger.WithField("level", level).Warn("unknown security level requested")
		return 0, uds.NRCSubFunctionNotSupported
	}
	if cfg.SessionMask != 0 && (cfg.SessionMask&(1<<uint(diag.Session-1))) == 0 {
		return 0, uds.NRCServiceNotSupportedInActiveSession
	}

	st := h.state[level]
	if sfb%2 == 1 {
		return h.requestSeed(ctx, diag, cfg, st, level)
	}
	return h.sendKey(ctx, diag, cfg, st, level, sfb)
}

func (h *Handler) requestSeed(ctx *uds.MessageContext, diag *uds.DiagnosticContext, cfg *LevelConfig, st *levelState, level uint8) (uds.Result, error) {
	if len(ctx.Request) != 1 {
		return 0, uds.NRCIncorrectMessageLengthOrInvalidFormat
	}
	if locked, nrc := h.checkLockout(st); locked {
		h.logger.WithField("level", level).Warn("seed request rejected, level locked out")
		return 0, nrc
	}

	var seed []byte
	if diag.SecurityLevel >= level {
		seed = make([]byte, cfg.KeySize)
	} else if cfg.Seed != nil {
		s, err := cfg.Seed(level)
		if err != nil {
			return 0, err
		}
		seed = s
	}
	if ctx.ResponseCapacity() < 1+len(seed) {
		return 0, uds.NRCResponseTooLong
	}
	ctx.Response[0] = ctx.Request[0]
	ctx.ResponseLength = 1 + copy(ctx.Response[1:], seed)
	return uds.ResultOK, nil
}

func (h *Handler) sendKey(ctx *uds.MessageContext, diag *uds.DiagnosticContext, cfg *LevelConfig, st *levelState, level, sfb uint8) (uds.Result, error) {
	if len(ctx.Request) != 1+cfg.KeySize {
		return 0, uds.NRCIncorrectMessageLengthOrInvalidFormat
	}
	if locked, nrc := h.checkLockout(st); locked {
		h.logger.WithField("level", level).Warn("key request rejected, level locked out")
		return 0, nrc
	}

	var matched bool
	if cfg.Compare != nil {
		m, err := cfg.Compare(level, ctx.Request[1:])
		if err != nil {
			return 0, err
		}
		matched = m
	}
	if !matched {
		st.attempts++
		h.logger.WithField("level", level).WithField("attempts", st.attempts).Warn("security key rejected")
		if cfg.AttemptLimit > 0 && st.attempts >= cfg.AttemptLimit {
			if cfg.DelayMs > 0 {
				st.lockedUntil = h.now().Add(time.Duration(cfg.DelayMs) * time.Millisecond)
			}
			h.logger.WithField("level", level).WithField("delayMs", cfg.DelayMs).Warn("attempt limit exceeded, level locked out")
			return 0, uds.NRCExceededNumberOfAttempts
		}
		return 0, uds.NRCSecurityAccessDenied
	}

	st.attempts = 0
	diag.SecurityLevel = level
	h.logger.WithField("level", level).Info("security level granted")
	ctx.Response[0] = sfb
	ctx.ResponseLength = 1
	return uds.ResultOK, nil
}

func (h *Handler) checkLockout(st *levelState) (bool, uds.NegativeResponse) {
	if !st.lockedUntil.IsZero() && h.now().Before(st.lockedUntil) {
		return true, uds.NRCRequiredTimeDelayNotExpired
	}
	return false, 0
}
