// Package transfer implements the RequestDownload/RequestUpload/
// TransferData/RequestTransferExit state machine (SIDs 0x34/0x35/0x36/0x37)
// as a block-sequence-counter state machine with PENDING/abort handling.
// The running integrity checksum reuses internal/crc.
package transfer

import (
	"errors"

	"github.com/sirupsen/logrus"

	uds "github.com/tinyecu/udsdiag"
	"github.com/tinyecu/udsdiag/internal/crc"
)

// RequestFunc validates a RequestDownload/RequestUpload and returns the
// block length the dispatcher should report to the tester.
type RequestFunc func(dataFormatID byte, addr, size uint32) (blockLen uint16, err error)

// WriteFunc writes one TransferData chunk to ECU memory during a download.
type WriteFunc func(op uds.OpStatus, addr uint32, data []byte) (uds.Result, error)

// ReadFunc reads up to len(out) bytes from ECU memory during an upload,
// returning the number of bytes actually produced.
type ReadFunc func(op uds.OpStatus, addr uint32, out []byte) (n int, result uds.Result, err error)

// ExitFunc finalizes a transfer. checksum is the CRC-16/CCITT accumulated
// over every byte written or read during the transfer, for integrators
// that want to verify it against an out-of-band expected value; it is zero
// if nothing has been transferred.
type ExitFunc func(op uds.OpStatus, checksum uint16) (uds.Result, error)

// Config is the memory-window configuration shared by all four services.
type Config struct {
	RequestDownload RequestFunc
	RequestUpload   RequestFunc
	Write           WriteFunc
	Read            ReadFunc
	Exit            ExitFunc
}

// Handler implements the four transfer-service handlers. Register its
// Download/Upload/Data/Exit methods against SIDs 0x34/0x35/0x36/0x37
// respectively — they share state through Handler, not through
// DiagnosticContext.Transfer alone, because the running checksum is this
// package's concern, not the dispatcher's.
type Handler struct {
	cfg    Config
	crc    crc.CRC16
	logger *logrus.Entry

	// forcedApply and forcedResponse cache the already-computed outcome of
	// a callback that returned ResultForceRCRRP, so the re-invocation with
	// OpForceRCRRPOk can resolve without running the callback again.
	forcedApply    func(diag *uds.DiagnosticContext)
	forcedResponse []byte
}

// New builds a transfer Handler. logger may be nil, matching
// NewDispatcher's own nil-logger fallback.
func New(cfg Config, logger *logrus.Entry) *Handler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handler{cfg: cfg, logger: logger.WithField("service", "[TRANSFER]")}
}

// resolveForced replays the cached outcome of a callback that previously
// returned ResultForceRCRRP, without re-running it.
func (h *Handler) resolveForced(ctx *uds.MessageContext, diag *uds.DiagnosticContext) (uds.Result, error) {
	apply, resp := h.forcedApply, h.forcedResponse
	h.forcedApply, h.forcedResponse = nil, nil
	if ctx.ResponseCapacity() < len(resp) {
		return 0, uds.NRCResponseTooLong
	}
	apply(diag)
	ctx.ResponseLength = copy(ctx.Response, resp)
	h.logger.Debug("forced RCRRP resolved from cached response")
	return uds.ResultOK, nil
}

// Download returns the uds.Handler for SID 0x34.
func (h *Handler) Download() uds.Handler { return uds.HandlerFunc(h.handleRequestDownload) }

// Upload returns the uds.Handler for SID 0x35.
func (h *Handler) Upload() uds.Handler { return uds.HandlerFunc(h.handleRequestUpload) }

// Data returns the uds.Handler for SID 0x36.
func (h *Handler) Data() uds.Handler { return uds.HandlerFunc(h.handleTransferData) }

// Exit returns the uds.Handler for SID 0x37.
func (h *Handler) Exit() uds.Handler { return uds.HandlerFunc(h.handleTransferExit) }

func (h *Handler) handleRequestDownload(ctx *uds.MessageContext, diag *uds.DiagnosticContext, op uds.OpStatus) (uds.Result, error) {
	return h.requestTransfer(ctx, diag, uds.TransferDownload, h.cfg.RequestDownload)
}

func (h *Handler) handleRequestUpload(ctx *uds.MessageContext, diag *uds.DiagnosticContext, op uds.OpStatus) (uds.Result, error) {
	return h.requestTransfer(ctx, diag, uds.TransferUpload, h.cfg.RequestUpload)
}

// requestTransfer handles RequestDownload/RequestUpload, which are
// symmetric aside from the resulting TransferKind and callback.
func (h *Handler) requestTransfer(ctx *uds.MessageContext, diag *uds.DiagnosticContext, kind uds.TransferKind, fn RequestFunc) (uds.Result, error) {
	if diag.Transfer.Kind != uds.TransferIdle {
		h.logger.WithField("kind", kind).Warn("transfer requested while another transfer is active")
		return 0, uds.NRCRequestSequenceError
	}
	dataFormat, addr, size, nrc := parseTransferRequest(ctx.Request)
	if nrc != 0 {
		return 0, nrc
	}
	h.logger.WithField("kind", kind).WithField("addr", addr).WithField("size", size).Debug("transfer requested")
	if fn == nil {
		return 0, uds.NRCRequestOutOfRange
	}
	blockLen, err := fn(dataFormat, addr, size)
	if err != nil {
		return 0, err
	}
	if ctx.ResponseCapacity() < 3 {
		return 0, uds.NRCResponseTooLong
	}

	diag.Transfer = uds.TransferState{Kind: kind, Address: addr, Size: size, Offset: 0, BlockSeq: 1}
	h.crc = 0
	h.forcedApply, h.forcedResponse = nil, nil

	ctx.Response[0] = 0x20
	ctx.Response[1] = byte(blockLen >> 8)
	ctx.Response[2] = byte(blockLen)
	ctx.ResponseLength = 3
	return uds.ResultOK, nil
}

func parseTransferRequest(req []byte) (dataFormat byte, addr, size uint32, nrc uds.NegativeResponse) {
	if len(req) < 2 {
		return 0, 0, 0, uds.NRCIncorrectMessageLengthOrInvalidFormat
	}
	dataFormat = req[0]
	sizeLen := int(req[1] >> 4)
	addrLen := int(req[1] & 0x0F)
	if addrLen < 1 || addrLen > 4 || sizeLen < 1 || sizeLen > 4 {
		return 0, 0, 0, uds.NRCRequestOutOfRange
	}
	if len(req) != 2+addrLen+sizeLen {
		return 0, 0, 0, uds.NRCIncorrectMessageLengthOrInvalidFormat
	}
	addr = readBE(req[2 : 2+addrLen])
	size = readBE(req[2+addrLen : 2+addrLen+sizeLen])
	return dataFormat, addr, size, 0
}

func readBE(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

// handleTransferData validates the block sequence counter and moves one
// chunk of data.
func (h *Handler) handleTransferData(ctx *uds.MessageContext, diag *uds.DiagnosticContext, op uds.OpStatus) (uds.Result, error) {
	if len(ctx.Request) < 1 {
		return 0, uds.NRCIncorrectMessageLengthOrInvalidFormat
	}
	if diag.Transfer.Kind == uds.TransferIdle {
		return 0, uds.NRCRequestSequenceError
	}
	counter := ctx.Request[0]
	if counter != diag.Transfer.BlockSeq {
		h.logger.WithField("got", counter).WithField("want", diag.Transfer.BlockSeq).Warn("wrong block sequence counter")
		return 0, uds.NRCWrongBlockSequenceCounter
	}

	switch diag.Transfer.Kind {
	case uds.TransferDownload:
		return h.transferDownloadChunk(ctx, diag, op, counter)
	case uds.TransferUpload:
		return h.transferUploadChunk(ctx, diag, op, counter)
	default:
		return 0, uds.NRCRequestSequenceError
	}
}

func (h *Handler) transferDownloadChunk(ctx *uds.MessageContext, diag *uds.DiagnosticContext, op uds.OpStatus, counter byte) (uds.Result, error) {
	if op == uds.OpForceRCRRPOk && h.forcedApply != nil {
		return h.resolveForced(ctx, diag)
	}

	data := ctx.Request[1:]
	remaining := diag.Transfer.Size - diag.Transfer.Offset
	if uint32(len(data)) > remaining {
		return 0, uds.NRCIncorrectMessageLengthOrInvalidFormat
	}
	if h.cfg.Write == nil {
		return 0, uds.NRCRequestSequenceError
	}

	result, err := h.cfg.Write(op, diag.Transfer.Address+diag.Transfer.Offset, data)
	if err != nil {
		h.logger.WithError(err).Warn("transfer download write failed")
		return 0, nrcOrDefault(err, uds.NRCGeneralProgrammingFailure)
	}
	if result == uds.ResultPending {
		return result, nil
	}
	h.crc.Block(data)
	if result == uds.ResultForceRCRRP {
		offset, blockSeq := diag.Transfer.Offset+uint32(len(data)), counter+1
		h.forcedApply = func(diag *uds.DiagnosticContext) {
			diag.Transfer.Offset = offset
			diag.Transfer.BlockSeq = blockSeq
		}
		h.forcedResponse = []byte{counter}
		return result, nil
	}

	if ctx.ResponseCapacity() < 1 {
		return 0, uds.NRCResponseTooLong
	}
	diag.Transfer.Offset += uint32(len(data))
	diag.Transfer.BlockSeq = counter + 1
	ctx.Response[0] = counter
	ctx.ResponseLength = 1
	h.logger.WithField("offset", diag.Transfer.Offset).WithField("len", len(data)).Debug("transfer data block written")
	return uds.ResultOK, nil
}

func (h *Handler) transferUploadChunk(ctx *uds.MessageContext, diag *uds.DiagnosticContext, op uds.OpStatus, counter byte) (uds.Result, error) {
	if op == uds.OpForceRCRRPOk && h.forcedApply != nil {
		return h.resolveForced(ctx, diag)
	}

	if len(ctx.Request) != 1 {
		return 0, uds.NRCIncorrectMessageLengthOrInvalidFormat
	}
	if ctx.ResponseCapacity() < 2 {
		return 0, uds.NRCResponseTooLong
	}
	if h.cfg.Read == nil {
		return 0, uds.NRCConditionsNotCorrect
	}

	remaining := diag.Transfer.Size - diag.Transfer.Offset
	chunkCap := uint32(ctx.ResponseCapacity() - 1)
	if chunkCap > remaining {
		chunkCap = remaining
	}

	buf := make([]byte, chunkCap)
	n, result, err := h.cfg.Read(op, diag.Transfer.Address+diag.Transfer.Offset, buf)
	if err != nil {
		h.logger.WithError(err).Warn("transfer upload read failed")
		return 0, nrcOrDefault(err, uds.NRCConditionsNotCorrect)
	}
	if result == uds.ResultPending {
		return result, nil
	}
	if result == uds.ResultForceRCRRP {
		h.crc.Block(buf[:n])
		resp := make([]byte, 1+n)
		resp[0] = counter
		copy(resp[1:], buf[:n])
		offset, blockSeq := diag.Transfer.Offset+uint32(n), counter+1
		h.forcedApply = func(diag *uds.DiagnosticContext) {
			diag.Transfer.Offset = offset
			diag.Transfer.BlockSeq = blockSeq
		}
		h.forcedResponse = resp
		return result, nil
	}

	h.crc.Block(buf[:n])
	ctx.Response[0] = counter
	copy(ctx.Response[1:1+n], buf[:n])

	diag.Transfer.Offset += uint32(n)
	diag.Transfer.BlockSeq = counter + 1
	ctx.ResponseLength = 1 + n
	h.logger.WithField("offset", diag.Transfer.Offset).WithField("n", n).Debug("transfer data block read")
	return uds.ResultOK, nil
}

// handleTransferExit finalizes the transfer and resets state to idle.
func (h *Handler) handleTransferExit(ctx *uds.MessageContext, diag *uds.DiagnosticContext, op uds.OpStatus) (uds.Result, error) {
	if op == uds.OpForceRCRRPOk && h.forcedApply != nil {
		return h.resolveForced(ctx, diag)
	}
	if len(ctx.Request) != 0 {
		return 0, uds.NRCIncorrectMessageLengthOrInvalidFormat
	}
	if diag.Transfer.Kind == uds.TransferIdle {
		return 0, uds.NRCRequestSequenceError
	}

	if h.cfg.Exit != nil {
		result, err := h.cfg.Exit(op, uint16(h.crc))
		if err != nil {
			h.logger.WithError(err).Warn("transfer exit callback failed")
			return 0, err
		}
		if result == uds.ResultPending {
			return result, nil
		}
		if result == uds.ResultForceRCRRP {
			h.forcedApply = func(diag *uds.DiagnosticContext) {
				diag.Transfer = uds.TransferState{Kind: uds.TransferIdle, BlockSeq: 1}
			}
			h.forcedResponse = nil
			return result, nil
		}
	}

	diag.Transfer = uds.TransferState{Kind: uds.TransferIdle, BlockSeq: 1}
	ctx.ResponseLength = 0
	h.logger.Debug("transfer exit complete")
	return uds.ResultOK, nil
}

func nrcOrDefault(err error, def uds.NegativeResponse) error {
	var nrc uds.NegativeResponse
	if errors.As(err, &nrc) {
		return nrc
	}
	return def
}
