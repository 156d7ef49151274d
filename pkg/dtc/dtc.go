// Package dtc implements the DEM front-end services: ClearDiagnosticInformation
// (SID 0x14) and ReadDTCInformation (SID 0x19). A slow backend write is
// retried across re-invocations rather than blocking, and backend errors
// are translated from a closed enum to wire NRCs.
package dtc

import (
	"errors"

	"github.com/sirupsen/logrus"

	uds "github.com/tinyecu/udsdiag"
)

// ErrBufferTooSmall is returned by a DEM callback when the caller-supplied
// buffer cannot hold the requested record; it maps to NRCResponseTooLong
// rather than the general requestOutOfRange fallback.
var ErrBufferTooSmall = errors.New("dtc: buffer too small")

func demToNRC(err error) error {
	if errors.Is(err, ErrBufferTooSmall) {
		return uds.NRCResponseTooLong
	}
	return uds.NRCRequestOutOfRange
}

// DTCFormatISO14229 is the only DTCFormatIdentifier value this package
// emits in reportNumberOfDTCByStatusMask responses.
const DTCFormatISO14229 byte = 0x01

// ClearDiagnosticInformation (SID 0x14)

// NVMStatus is the NVM persistence module's IDLE/BUSY report.
type NVMStatus uint8

const (
	NVMIdle NVMStatus = iota
	NVMBusy
)

// NVMStatusFunc polls the NVM module before a clear is attempted.
type NVMStatusFunc func() NVMStatus

// ClearFunc asks the DEM to select and clear the given 24-bit group DTC.
// Returning uds.ResultPending means the DEM reported busy; the dispatcher
// re-invokes the handler on the next P2 expiry exactly as it does for a
// pending TransferData write.
type ClearFunc func(groupDTC uint32) (uds.Result, error)

// ClearConfig is the construction-time configuration for SID 0x14.
type ClearConfig struct {
	NVMStatus NVMStatusFunc
	Clear     ClearFunc
}

// ClearHandler implements uds.Handler for SID 0x14.
type ClearHandler struct {
	cfg    ClearConfig
	logger *logrus.Entry

	// cleared caches that a ResultForceRCRRP-returning Clear call already
	// ran to completion, so the OpForceRCRRPOk re-invocation resolves
	// without calling it again.
	cleared bool
}

// NewClearHandler builds a ClearDiagnosticInformation Handler. logger may
// be nil, matching NewDispatcher's own nil-logger fallback.
func NewClearHandler(cfg ClearConfig, logger *logrus.Entry) *ClearHandler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ClearHandler{cfg: cfg, logger: logger.WithField("service", "[DTC]")}
}

// Handle re-parses the group DTC from ctx.Request on every re-invocation
// rather than caching it, since the dispatcher hands back the same
// MessageContext across PENDING retries.
func (h *ClearHandler) Handle(ctx *uds.MessageContext, diag *uds.DiagnosticContext, op uds.OpStatus) (uds.Result, error) {
	if op == uds.OpCancel {
		h.cleared = false
		return uds.ResultOK, nil
	}
	if op == uds.OpForceRCRRPOk && h.cleared {
		h.cleared = false
		ctx.ResponseLength = 0
		h.logger.Debug("forced RCRRP resolved from cached clear result")
		return uds.ResultOK, nil
	}
	if len(ctx.Request) != 3 {
		return 0, uds.NRCIncorrectMessageLengthOrInvalidFormat
	}
	groupDTC := uint32(ctx.Request[0])<<16 | uint32(ctx.Request[1])<<8 | uint32(ctx.Request[2])
	h.logger.WithField("groupDTC", groupDTC).Debug("clear diagnostic information request")

	if h.cfg.NVMStatus != nil && h.cfg.NVMStatus() == NVMBusy {
		h.logger.Debug("NVM busy, deferring clear")
		return uds.ResultPending, nil
	}
	if h.cfg.Clear == nil {
		return 0, uds.NRCRequestOutOfRange
	}
	result, err := h.cfg.Clear(groupDTC)
	if err != nil {
		h.logger.WithField("groupDTC", groupDTC).WithError(err).Warn("DEM clear failed")
		return 0, demToNRC(err)
	}
	if result == uds.ResultPending {
		return result, nil
	}
	if result == uds.ResultForceRCRRP {
		h.cleared = true
		return result, nil
	}
	ctx.ResponseLength = 0
	return uds.ResultOK, nil
}

// ReadDTCInformation (SID 0x19)

// ReadDTCInformation sub-function types.
const (
	SubReportNumberOfDTCByStatusMask          byte = 0x01
	SubReportDTCByStatusMask                  byte = 0x02
	SubReportDTCSnapshotIdentification        byte = 0x03
	SubReportDTCSnapshotRecordByDTCNumber     byte = 0x04
	SubReportDTCExtendedDataRecordByDTCNumber byte = 0x06
)

// FilteredDTC is one DTC/status pair produced by the DEM's filtered
// iteration (SetDTCFilter + GetNumberOfFilteredDTC/GetNextFilteredDTC),
// collapsed here into a single synchronous call since the DEM's filter
// pass is not itself PENDING-capable.
type FilteredDTC struct {
	DTC    uint32 // 24-bit
	Status byte
}

// CountFunc backs sub-function 0x01.
type CountFunc func(statusMask byte) (statusAvailabilityMask byte, count uint16, err error)

// ByStatusMaskFunc backs sub-function 0x02.
type ByStatusMaskFunc func(statusMask byte) (statusAvailabilityMask byte, dtcs []FilteredDTC, err error)

// SnapshotIdent is one (DTC, snapshot record number) pair.
type SnapshotIdent struct {
	DTC          uint32
	RecordNumber byte
}

// SnapshotIdentFunc backs sub-function 0x03.
type SnapshotIdentFunc func() ([]SnapshotIdent, error)

// SnapshotRecordFunc backs sub-function 0x04, returning the DTC's current
// status byte plus the raw snapshot record data for recordNumber.
type SnapshotRecordFunc func(dtc uint32, recordNumber byte) (status byte, data []byte, err error)

// ExtendedDataRecordFunc backs sub-function 0x06.
type ExtendedDataRecordFunc func(dtc uint32, recordNumber byte) (status byte, data []byte, err error)

// ReadConfig is the construction-time configuration for SID 0x19, one
// callback per implemented sub-function.
type ReadConfig struct {
	NumberByStatusMask     CountFunc
	DTCByStatusMask        ByStatusMaskFunc
	SnapshotIdentification SnapshotIdentFunc
	SnapshotRecord         SnapshotRecordFunc
	ExtendedDataRecord     ExtendedDataRecordFunc
}

// ReadHandler implements uds.Handler for SID 0x19.
type ReadHandler struct {
	cfg    ReadConfig
	logger *logrus.Entry
}

// NewReadHandler builds a ReadDTCInformation Handler. logger may be nil,
// matching NewDispatcher's own nil-logger fallback.
func NewReadHandler(cfg ReadConfig, logger *logrus.Entry) *ReadHandler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ReadHandler{cfg: cfg, logger: logger.WithField("service", "[DTC]")}
}

// Handle dispatches on sub-function type, then length-checks and formats
// per the sub-handler's own payload shape.
func (h *ReadHandler) Handle(ctx *uds.MessageContext, diag *uds.DiagnosticContext, op uds.OpStatus) (uds.Result, error) {
	if len(ctx.Request) < 1 {
		return 0, uds.NRCIncorrectMessageLengthOrInvalidFormat
	}
	sub := ctx.Request[0]
	h.logger.WithField("sub", sub).Debug("read DTC information request")
	switch sub {
	case SubReportNumberOfDTCByStatusMask:
		return h.reportNumberOfDTCByStatusMask(ctx)
	case SubReportDTCByStatusMask:
		return h.reportDTCByStatusMask(ctx)
	case SubReportDTCSnapshotIdentification:
		return h.reportDTCSnapshotIdentification(ctx)
	case SubReportDTCSnapshotRecordByDTCNumber:
		return h.reportDTCSnapshotRecordByDTCNumber(ctx)
	case SubReportDTCExtendedDataRecordByDTCNumber:
		return h.reportDTCExtendedDataRecordByDTCNumber(ctx)
	default:
		h.logger.WithField("sub", sub).Warn("unsupported read DTC information sub-function")
		return 0, uds.NRCSubFunctionNotSupported
	}
}

func (h *ReadHandler) reportNumberOfDTCByStatusMask(ctx *uds.MessageContext) (uds.Result, error) {
	if len(ctx.Request) != 2 {
		return 0, uds.NRCIncorrectMessageLengthOrInvalidFormat
	}
	if h.cfg.NumberByStatusMask == nil {
		return 0, uds.NRCRequestOutOfRange
	}
	statusMask := ctx.Request[1]
	availMask, count, err := h.cfg.NumberByStatusMask(statusMask)
	if err != nil {
		return 0, demToNRC(err)
	}
	if ctx.ResponseCapacity() < 5 {
		return 0, uds.NRCResponseTooLong
	}
	ctx.Response[0] = SubReportNumberOfDTCByStatusMask
	ctx.Response[1] = availMask
	ctx.Response[2] = DTCFormatISO14229
	ctx.Response[3] = byte(count >> 8)
	ctx.Response[4] = byte(count)
	ctx.ResponseLength = 5
	return uds.ResultOK, nil
}

func (h *ReadHandler) reportDTCByStatusMask(ctx *uds.MessageContext) (uds.Result, error) {
	if len(ctx.Request) != 2 {
		return 0, uds.NRCIncorrectMessageLengthOrInvalidFormat
	}
	if h.cfg.DTCByStatusMask == nil {
		return 0, uds.NRCRequestOutOfRange
	}
	statusMask := ctx.Request[1]
	availMask, dtcs, err := h.cfg.DTCByStatusMask(statusMask)
	if err != nil {
		return 0, demToNRC(err)
	}
	needed := 2 + 4*len(dtcs)
	if needed > ctx.ResponseCapacity() {
		return 0, uds.NRCResponseTooLong
	}
	ctx.Response[0] = SubReportDTCByStatusMask
	ctx.Response[1] = availMask
	offset := 2
	for _, d := range dtcs {
		offset += writeDTC24(ctx.Response[offset:], d.DTC)
		ctx.Response[offset] = d.Status
		offset++
	}
	ctx.ResponseLength = offset
	return uds.ResultOK, nil
}

func (h *ReadHandler) reportDTCSnapshotIdentification(ctx *uds.MessageContext) (uds.Result, error) {
	if len(ctx.Request) != 1 {
		return 0, uds.NRCIncorrectMessageLengthOrInvalidFormat
	}
	if h.cfg.SnapshotIdentification == nil {
		return 0, uds.NRCRequestOutOfRange
	}
	idents, err := h.cfg.SnapshotIdentification()
	if err != nil {
		return 0, demToNRC(err)
	}
	needed := 1 + 4*len(idents)
	if needed > ctx.ResponseCapacity() {
		return 0, uds.NRCResponseTooLong
	}
	ctx.Response[0] = SubReportDTCSnapshotIdentification
	offset := 1
	for _, id := range idents {
		offset += writeDTC24(ctx.Response[offset:], id.DTC)
		ctx.Response[offset] = id.RecordNumber
		offset++
	}
	ctx.ResponseLength = offset
	return uds.ResultOK, nil
}

func (h *ReadHandler) reportDTCSnapshotRecordByDTCNumber(ctx *uds.MessageContext) (uds.Result, error) {
	if len(ctx.Request) != 5 {
		return 0, uds.NRCIncorrectMessageLengthOrInvalidFormat
	}
	if h.cfg.SnapshotRecord == nil {
		return 0, uds.NRCRequestOutOfRange
	}
	dtc := readDTC24(ctx.Request[1:4])
	recordNumber := ctx.Request[4]
	status, data, err := h.cfg.SnapshotRecord(dtc, recordNumber)
	if err != nil {
		return 0, demToNRC(err)
	}
	needed := 6 + len(data)
	if needed > ctx.ResponseCapacity() {
		return 0, uds.NRCResponseTooLong
	}
	ctx.Response[0] = SubReportDTCSnapshotRecordByDTCNumber
	writeDTC24(ctx.Response[1:], dtc)
	ctx.Response[4] = status
	ctx.Response[5] = recordNumber
	copy(ctx.Response[6:], data)
	ctx.ResponseLength = needed
	return uds.ResultOK, nil
}

func (h *ReadHandler) reportDTCExtendedDataRecordByDTCNumber(ctx *uds.MessageContext) (uds.Result, error) {
	if len(ctx.Request) != 5 {
		return 0, uds.NRCIncorrectMessageLengthOrInvalidFormat
	}
	if h.cfg.ExtendedDataRecord == nil {
		return 0, uds.NRCRequestOutOfRange
	}
	dtc := readDTC24(ctx.Request[1:4])
	recordNumber := ctx.Request[4]
	status, data, err := h.cfg.ExtendedDataRecord(dtc, recordNumber)
	if err != nil {
		return 0, demToNRC(err)
	}
	needed := 6 + len(data)
	if needed > ctx.ResponseCapacity() {
		return 0, uds.NRCResponseTooLong
	}
	ctx.Response[0] = SubReportDTCExtendedDataRecordByDTCNumber
	writeDTC24(ctx.Response[1:], dtc)
	ctx.Response[4] = status
	ctx.Response[5] = recordNumber
	copy(ctx.Response[6:], data)
	ctx.ResponseLength = needed
	return uds.ResultOK, nil
}

func writeDTC24(out []byte, dtc uint32) int {
	out[0] = byte(dtc >> 16)
	out[1] = byte(dtc >> 8)
	out[2] = byte(dtc)
	return 3
}

func readDTC24(in []byte) uint32 {
	return uint32(in[0])<<16 | uint32(in[1])<<8 | uint32(in[2])
}
