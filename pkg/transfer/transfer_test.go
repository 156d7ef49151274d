package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	uds "github.com/tinyecu/udsdiag"
)

func newDispatcher(t *testing.T, h *Handler) (*uds.Dispatcher, *[]byte) {
	t.Helper()
	table := uds.NewServiceTable().
		Add(&uds.ServiceEntry{SID: 0x34, SessionMask: uds.SessionMaskFor(0x01), SecurityMask: uds.SecurityMaskAtLeast(0), Addressing: uds.AddrPhysical, Handler: h.Download()}).
		Add(&uds.ServiceEntry{SID: 0x36, SessionMask: uds.SessionMaskFor(0x01), SecurityMask: uds.SecurityMaskAtLeast(0), Addressing: uds.AddrPhysical, Handler: h.Data()}).
		Add(&uds.ServiceEntry{SID: 0x37, SessionMask: uds.SessionMaskFor(0x01), SecurityMask: uds.SecurityMaskAtLeast(0), Addressing: uds.AddrPhysical, Handler: h.Exit()})

	timing := uds.TimingConfig{PeriodMs: 10, S3ServerMs: 5000, P2ServerMaxMs: 500}
	d, err := uds.NewDispatcher(table, timing, 32, nil)
	require.NoError(t, err)

	var last []byte
	d.SetTransportSink(func(wire []byte) { last = wire })
	return d, &last
}

func TestDownloadTransferExitRoundTrip(t *testing.T) {
	var written []byte
	h := New(Config{
		RequestDownload: func(dataFormatID byte, addr, size uint32) (uint16, error) {
			assert.EqualValues(t, 0x00100000, addr)
			assert.EqualValues(t, 0x20, size)
			return 0x20, nil
		},
		Write: func(op uds.OpStatus, addr uint32, data []byte) (uds.Result, error) {
			written = append(written, data...)
			return uds.ResultOK, nil
		},
		Exit: func(op uds.OpStatus, checksum uint16) (uds.Result, error) {
			return uds.ResultOK, nil
		},
	}, nil)
	d, last := newDispatcher(t, h)

	// dataFormat=00, lenByte=0x24 (sizeLen=2, addrLen=4), addr=00100000, size=0020
	d.DispatchNow([]byte{0x34, 0x00, 0x24, 0x00, 0x10, 0x00, 0x00, 0x00, 0x20}, uds.AddressingPhysical)
	assert.Equal(t, []byte{0x74, 0x00, 0x20}, *last)

	d.DispatchNow([]byte{0x36, 0x01, 0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6, 0xA7}, uds.AddressingPhysical)
	assert.Equal(t, []byte{0x76, 0x01}, *last)
	assert.Equal(t, []byte{0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6, 0xA7}, written)

	d.DispatchNow([]byte{0x37}, uds.AddressingPhysical)
	assert.Equal(t, []byte{0x77}, *last)
	assert.Equal(t, uds.TransferIdle, d.Diagnostic().Transfer.Kind)
}

func TestTransferDataWrongBlockCounter(t *testing.T) {
	h := New(Config{
		RequestDownload: func(dataFormatID byte, addr, size uint32) (uint16, error) { return 0x20, nil },
		Write:           func(op uds.OpStatus, addr uint32, data []byte) (uds.Result, error) { return uds.ResultOK, nil },
	}, nil)
	d, last := newDispatcher(t, h)

	d.DispatchNow([]byte{0x34, 0x00, 0x24, 0x00, 0x10, 0x00, 0x00, 0x00, 0x20}, uds.AddressingPhysical)
	d.DispatchNow([]byte{0x36, 0x01, 0xA0}, uds.AddressingPhysical)
	assert.Equal(t, []byte{0x76, 0x01}, *last)

	d.DispatchNow([]byte{0x36, 0x02, 0xA1}, uds.AddressingPhysical)
	assert.Equal(t, []byte{0x76, 0x02}, *last)

	// repeat of a stale counter
	d.DispatchNow([]byte{0x36, 0x02, 0xA1}, uds.AddressingPhysical)
	assert.Equal(t, []byte{0x7F, 0x36, byte(uds.NRCWrongBlockSequenceCounter)}, *last)
}

func TestTransferDataBlockSeqWrapsAt0xFF(t *testing.T) {
	var written []byte
	h := New(Config{
		RequestDownload: func(dataFormatID byte, addr, size uint32) (uint16, error) { return 0x20, nil },
		Write: func(op uds.OpStatus, addr uint32, data []byte) (uds.Result, error) {
			written = append(written, data...)
			return uds.ResultOK, nil
		},
	}, nil)
	d, last := newDispatcher(t, h)

	d.DispatchNow([]byte{0x34, 0x00, 0x24, 0x00, 0x10, 0x00, 0x00, 0x00, 0x20}, uds.AddressingPhysical)
	d.Diagnostic().Transfer.BlockSeq = 0xFF

	d.DispatchNow([]byte{0x36, 0xFF, 0xA0}, uds.AddressingPhysical)
	assert.Equal(t, []byte{0x76, 0xFF}, *last)
	assert.EqualValues(t, 0x00, d.Diagnostic().Transfer.BlockSeq)

	d.DispatchNow([]byte{0x36, 0x00, 0xA1}, uds.AddressingPhysical)
	assert.Equal(t, []byte{0x76, 0x00}, *last)
	assert.EqualValues(t, 0x01, d.Diagnostic().Transfer.BlockSeq)
	assert.Equal(t, []byte{0xA0, 0xA1}, written)
}

func TestTransferDataBeforeDownloadIsSequenceError(t *testing.T) {
	h := New(Config{}, nil)
	d, last := newDispatcher(t, h)
	d.DispatchNow([]byte{0x36, 0x01, 0xA0}, uds.AddressingPhysical)
	assert.Equal(t, []byte{0x7F, 0x36, byte(uds.NRCRequestSequenceError)}, *last)
}
