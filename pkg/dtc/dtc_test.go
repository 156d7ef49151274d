package dtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	uds "github.com/tinyecu/udsdiag"
)

func newDispatcher(t *testing.T, sid uint8, handler uds.Handler) (*uds.Dispatcher, *[]byte) {
	t.Helper()
	table := uds.NewServiceTable().Add(&uds.ServiceEntry{
		SID:          sid,
		SessionMask:  uds.SessionMaskFor(0x01, 0x03),
		SecurityMask: uds.SecurityMaskAtLeast(0),
		Addressing:   uds.AddrPhysical,
		Handler:      handler,
	})
	timing := uds.TimingConfig{PeriodMs: 10, S3ServerMs: 5000, P2ServerMaxMs: 500}
	d, err := uds.NewDispatcher(table, timing, 64, nil)
	require.NoError(t, err)

	var last []byte
	d.SetTransportSink(func(wire []byte) { last = wire })
	return d, &last
}

func TestClearDiagnosticInformationOK(t *testing.T) {
	cleared := uint32(0)
	h := NewClearHandler(ClearConfig{
		Clear: func(groupDTC uint32) (uds.Result, error) {
			cleared = groupDTC
			return uds.ResultOK, nil
		},
	}, nil)
	d, last := newDispatcher(t, 0x14, h)
	d.DispatchNow([]byte{0x14, 0xFF, 0xFF, 0xFF}, uds.AddressingPhysical)
	assert.Equal(t, []byte{0x54}, *last)
	assert.Equal(t, uint32(0xFFFFFF), cleared)
}

func TestClearDiagnosticInformationBadLength(t *testing.T) {
	h := NewClearHandler(ClearConfig{}, nil)
	d, last := newDispatcher(t, 0x14, h)
	d.DispatchNow([]byte{0x14, 0x00, 0x00}, uds.AddressingPhysical)
	assert.Equal(t, []byte{0x7F, 0x14, byte(uds.NRCIncorrectMessageLengthOrInvalidFormat)}, *last)
}

func TestClearDiagnosticInformationNVMBusyThenClear(t *testing.T) {
	busy := true
	h := NewClearHandler(ClearConfig{
		NVMStatus: func() NVMStatus {
			if busy {
				return NVMBusy
			}
			return NVMIdle
		},
		Clear: func(groupDTC uint32) (uds.Result, error) { return uds.ResultOK, nil },
	}, nil)
	d, last := newDispatcher(t, 0x14, h)
	d.DispatchNow([]byte{0x14, 0x00, 0x00, 0x00}, uds.AddressingPhysical)
	assert.Nil(t, *last, "no wire output while NVM is busy")

	busy = false
	for i := 0; i < 51; i++ {
		d.Tick()
	}
	assert.Equal(t, []byte{0x54}, *last)
}

func TestClearDiagnosticInformationDEMError(t *testing.T) {
	h := NewClearHandler(ClearConfig{
		Clear: func(groupDTC uint32) (uds.Result, error) { return 0, ErrBufferTooSmall },
	}, nil)
	d, last := newDispatcher(t, 0x14, h)
	d.DispatchNow([]byte{0x14, 0x00, 0x00, 0x00}, uds.AddressingPhysical)
	assert.Equal(t, []byte{0x7F, 0x14, byte(uds.NRCResponseTooLong)}, *last)
}

func TestReportNumberOfDTCByStatusMask(t *testing.T) {
	h := NewReadHandler(ReadConfig{
		NumberByStatusMask: func(statusMask byte) (byte, uint16, error) {
			return 0x09, 3, nil
		},
	}, nil)
	d, last := newDispatcher(t, 0x19, h)
	d.DispatchNow([]byte{0x19, 0x01, 0xFF}, uds.AddressingPhysical)
	assert.Equal(t, []byte{0x59, 0x01, 0x09, DTCFormatISO14229, 0x00, 0x03}, *last)
}

func TestReportDTCByStatusMask(t *testing.T) {
	h := NewReadHandler(ReadConfig{
		DTCByStatusMask: func(statusMask byte) (byte, []FilteredDTC, error) {
			return 0x09, []FilteredDTC{{DTC: 0x010203, Status: 0x08}}, nil
		},
	}, nil)
	d, last := newDispatcher(t, 0x19, h)
	d.DispatchNow([]byte{0x19, 0x02, 0xFF}, uds.AddressingPhysical)
	assert.Equal(t, []byte{0x59, 0x02, 0x09, 0x01, 0x02, 0x03, 0x08}, *last)
}

func TestReadDTCInformationUnknownSubFunction(t *testing.T) {
	h := NewReadHandler(ReadConfig{}, nil)
	d, last := newDispatcher(t, 0x19, h)
	d.DispatchNow([]byte{0x19, 0x7F}, uds.AddressingPhysical)
	assert.Equal(t, []byte{0x7F, 0x19, byte(uds.NRCSubFunctionNotSupported)}, *last)
}

func TestReportDTCSnapshotRecordByDTCNumber(t *testing.T) {
	h := NewReadHandler(ReadConfig{
		SnapshotRecord: func(dtc uint32, recordNumber byte) (byte, []byte, error) {
			return 0x08, []byte{0xAA, 0xBB}, nil
		},
	}, nil)
	d, last := newDispatcher(t, 0x19, h)
	d.DispatchNow([]byte{0x19, 0x04, 0x01, 0x02, 0x03, 0x01}, uds.AddressingPhysical)
	assert.Equal(t, []byte{0x59, 0x04, 0x01, 0x02, 0x03, 0x08, 0x01, 0xAA, 0xBB}, *last)
}
