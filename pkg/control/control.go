// Package control implements the three single-byte housekeeping services:
// ECUReset (SID 0x11), TesterPresent (SID 0x3E) and ControlDTCSetting
// (SID 0x85), each a small fixed-subfunction table.
package control

import (
	"github.com/sirupsen/logrus"

	uds "github.com/tinyecu/udsdiag"
)

// ECUReset sub-functions.
const (
	SubHardReset uint8 = 0x01
	SubSoftReset uint8 = 0x03
)

// ResetConfig is the per-reset-type delay, in main-function ticks, before
// the integrator's reset routine fires.
type ResetConfig struct {
	HardResetDelayTicks uint32
	SoftResetDelayTicks uint32
}

// ResetHandler implements uds.Handler for SID 0x11.
type ResetHandler struct {
	cfg    ResetConfig
	logger *logrus.Entry
}

// NewResetHandler builds an ECUReset Handler. logger may be nil, matching
// NewDispatcher's own nil-logger fallback.
func NewResetHandler(cfg ResetConfig, logger *logrus.Entry) *ResetHandler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ResetHandler{cfg: cfg, logger: logger.WithField("service", "[RESET]")}
}

// Handle validates the sub-function and delegates the actual countdown to
// the dispatcher via DiagnosticContext.Resets (set at construction time);
// this package only validates the request and records which kind was
// requested.
func (h *ResetHandler) Handle(ctx *uds.MessageContext, diag *uds.DiagnosticContext, op uds.OpStatus) (uds.Result, error) {
	if len(ctx.Request) != 1 {
		return 0, uds.NRCIncorrectMessageLengthOrInvalidFormat
	}
	sub := ctx.Request[0]
	var kind uds.ResetType
	var delay uint32
	switch sub {
	case SubHardReset:
		kind, delay = uds.ResetHard, h.cfg.HardResetDelayTicks
	case SubSoftReset:
		kind, delay = uds.ResetSoft, h.cfg.SoftResetDelayTicks
	default:
		h.logger.WithField("sub", sub).Warn("unsupported reset sub-function")
		return 0, uds.NRCSubFunctionNotSupported
	}
	if ctx.ResponseCapacity() < 1 {
		return 0, uds.NRCResponseTooLong
	}
	if diag.Resets != nil {
		h.logger.WithField("kind", kind).WithField("delay", delay).Debug("reset scheduled")
		diag.Resets.ScheduleReset(kind, delay)
	}
	ctx.Response[0] = sub
	ctx.ResponseLength = 1
	return uds.ResultOK, nil
}

// TesterPresentHandler implements uds.Handler for SID 0x3E. The valid
// sub-function path returns ResultOK outright and writes the single 0x00
// response byte.
type TesterPresentHandler struct {
	logger *logrus.Entry
}

// NewTesterPresentHandler builds a TesterPresent Handler. S3 reload on
// every request is the dispatcher's job, not this handler's. logger may
// be nil, matching NewDispatcher's own nil-logger fallback.
func NewTesterPresentHandler(logger *logrus.Entry) *TesterPresentHandler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TesterPresentHandler{logger: logger.WithField("service", "[TESTERPRESENT]")}
}

func (h *TesterPresentHandler) Handle(ctx *uds.MessageContext, diag *uds.DiagnosticContext, op uds.OpStatus) (uds.Result, error) {
	if len(ctx.Request) != 1 {
		return 0, uds.NRCIncorrectMessageLengthOrInvalidFormat
	}
	if ctx.Request[0] != 0x00 {
		h.logger.WithField("sub", ctx.Request[0]).Warn("unsupported tester present sub-function")
		return 0, uds.NRCSubFunctionNotSupported
	}
	h.logger.Debug("tester present OK")
	if ctx.ResponseCapacity() < 1 {
		return 0, uds.NRCResponseTooLong
	}
	ctx.Response[0] = 0x00
	ctx.ResponseLength = 1
	return uds.ResultOK, nil
}

// DTCSettingFunc forwards the enable/disable request to the DEM.
type DTCSettingFunc func(enable bool) error

// DTCSettingHandler implements uds.Handler for SID 0x85. Success is
// returned explicitly once the DEM call completes.
type DTCSettingHandler struct {
	fn     DTCSettingFunc
	logger *logrus.Entry
}

// NewDTCSettingHandler builds a ControlDTCSetting Handler. logger may be
// nil, matching NewDispatcher's own nil-logger fallback.
func NewDTCSettingHandler(fn DTCSettingFunc, logger *logrus.Entry) *DTCSettingHandler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &DTCSettingHandler{fn: fn, logger: logger.WithField("service", "[DTCSETTING]")}
}

const (
	subEnableDTCSetting  uint8 = 0x01
	subDisableDTCSetting uint8 = 0x02
)

func (h *DTCSettingHandler) Handle(ctx *uds.MessageContext, diag *uds.DiagnosticContext, op uds.OpStatus) (uds.Result, error) {
	if len(ctx.Request) != 1 {
		return 0, uds.NRCIncorrectMessageLengthOrInvalidFormat
	}
	var enable bool
	switch ctx.Request[0] {
	case subEnableDTCSetting:
		enable = true
	case subDisableDTCSetting:
		enable = false
	default:
		h.logger.WithField("sub", ctx.Request[0]).Warn("unsupported DTC setting sub-function")
		return 0, uds.NRCSubFunctionNotSupported
	}
	if h.fn != nil {
		if err := h.fn(enable); err != nil {
			return 0, err
		}
	}
	h.logger.WithField("enable", enable).Debug("DTC setting toggled")
	if ctx.ResponseCapacity() < 1 {
		return 0, uds.NRCResponseTooLong
	}
	ctx.Response[0] = ctx.Request[0]
	ctx.ResponseLength = 1
	return uds.ResultOK, nil
}
