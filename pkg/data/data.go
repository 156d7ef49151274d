// Package data implements ReadDataByIdentifier (SID 0x22) and
// WriteDataByIdentifier (SID 0x2E) as a flat map from a 16-bit identifier
// to a small config bundle, looked up per request.
package data

import (
	"github.com/sirupsen/logrus"

	uds "github.com/tinyecu/udsdiag"
)

// ReadFunc fills out (len(out) == the DID's configured Length) with the
// current value of the data element.
type ReadFunc func(out []byte) error

// WriteFunc validates and applies data; expectedLength is the DID's
// configured Length, handed over so the callback can check it itself.
type WriteFunc func(data []byte, expectedLength int) error

// DIDConfig is one data identifier's configuration. A DID registered
// without a Read or Write callback simply never succeeds that direction
// (requestOutOfRange), mirroring absent service handlers.
type DIDConfig struct {
	ID         uint16
	Length     int
	GatingMask uint32
	Read       ReadFunc
	Write      WriteFunc
}

// Table is the shared DID configuration backing both ReadHandler and
// WriteHandler.
type Table struct {
	dids   map[uint16]*DIDConfig
	logger *logrus.Entry
}

// NewTable builds a Table over the given DID configs. logger may be nil,
// matching NewDispatcher's own nil-logger fallback.
func NewTable(logger *logrus.Entry, dids ...DIDConfig) *Table {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	t := &Table{
		dids:   make(map[uint16]*DIDConfig, len(dids)),
		logger: logger.WithField("service", "[DATA]"),
	}
	for i := range dids {
		c := dids[i]
		t.dids[c.ID] = &c
	}
	return t
}

// ReadHandler returns the uds.Handler for SID 0x22.
func (t *Table) ReadHandler() uds.Handler { return uds.HandlerFunc(t.handleRead) }

// WriteHandler returns the uds.Handler for SID 0x2E.
func (t *Table) WriteHandler() uds.Handler { return uds.HandlerFunc(t.handleWrite) }

// handleRead runs a length/gating sum pass followed by the actual read
// pass, so a too-long response is rejected before any callback runs.
func (t *Table) handleRead(ctx *uds.MessageContext, diag *uds.DiagnosticContext, op uds.OpStatus) (uds.Result, error) {
	req := ctx.Request
	if len(req) < 2 || len(req)%2 != 0 {
		return 0, uds.NRCIncorrectMessageLengthOrInvalidFormat
	}
	n := len(req) / 2
	ids := make([]uint16, n)
	cfgs := make([]*DIDConfig, n)
	total := 0
	for i := 0; i < n; i++ {
		id := uint16(req[2*i])<<8 | uint16(req[2*i+1])
		cfg, ok := t.dids[id]
		if !ok {
			t.logger.WithField("did", id).Warn("unknown DID requested for read")
			return 0, uds.NRCRequestOutOfRange
		}
		if err := uds.CheckDIDGating(diag, cfg.GatingMask); err != nil {
			t.logger.WithField("did", id).Warn("DID gating check failed")
			return 0, err
		}
		ids[i] = id
		cfgs[i] = cfg
		total += 2 + cfg.Length
	}
	if total > ctx.ResponseCapacity() {
		t.logger.WithField("total", total).Warn("read response would exceed capacity")
		return 0, uds.NRCResponseTooLong
	}

	offset := 0
	for i, cfg := range cfgs {
		ctx.Response[offset] = byte(ids[i] >> 8)
		ctx.Response[offset+1] = byte(ids[i])
		offset += 2
		if cfg.Read == nil {
			t.logger.WithField("did", ids[i]).Warn("DID has no read callback")
			return 0, uds.NRCRequestOutOfRange
		}
		if err := cfg.Read(ctx.Response[offset : offset+cfg.Length]); err != nil {
			return 0, err
		}
		offset += cfg.Length
	}
	ctx.ResponseLength = offset
	t.logger.WithField("ids", ids).Debug("read data by identifier response")
	return uds.ResultOK, nil
}

// handleWrite accepts exactly one DID per request.
func (t *Table) handleWrite(ctx *uds.MessageContext, diag *uds.DiagnosticContext, op uds.OpStatus) (uds.Result, error) {
	if len(ctx.Request) < 3 {
		return 0, uds.NRCIncorrectMessageLengthOrInvalidFormat
	}
	id := uint16(ctx.Request[0])<<8 | uint16(ctx.Request[1])
	cfg, ok := t.dids[id]
	if !ok {
		t.logger.WithField("did", id).Warn("unknown DID requested for write")
		return 0, uds.NRCRequestOutOfRange
	}
	if err := uds.CheckDIDGating(diag, cfg.GatingMask); err != nil {
		t.logger.WithField("did", id).Warn("DID gating check failed")
		return 0, err
	}
	if cfg.Write == nil {
		t.logger.WithField("did", id).Warn("DID has no write callback")
		return 0, uds.NRCRequestOutOfRange
	}
	if err := cfg.Write(ctx.Request[2:], cfg.Length); err != nil {
		return 0, err
	}
	if ctx.ResponseCapacity() < 2 {
		return 0, uds.NRCResponseTooLong
	}
	ctx.Response[0] = ctx.Request[0]
	ctx.Response[1] = ctx.Request[1]
	ctx.ResponseLength = 2
	t.logger.WithField("did", id).Debug("write data by identifier response")
	return uds.ResultOK, nil
}
