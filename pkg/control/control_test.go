package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	uds "github.com/tinyecu/udsdiag"
)

func newDispatcher(t *testing.T, sid uint8, h uds.Handler) (*uds.Dispatcher, *[]byte) {
	t.Helper()
	table := uds.NewServiceTable().Add(&uds.ServiceEntry{
		SID:          sid,
		SessionMask:  uds.SessionMaskFor(0x01),
		SecurityMask: uds.SecurityMaskAtLeast(0),
		Addressing:   uds.AddrBoth,
		Handler:      h,
	})
	timing := uds.TimingConfig{PeriodMs: 10, S3ServerMs: 5000, P2ServerMaxMs: 500}
	d, err := uds.NewDispatcher(table, timing, 8, nil)
	require.NoError(t, err)
	var last []byte
	d.SetTransportSink(func(wire []byte) { last = wire })
	return d, &last
}

func TestECUResetSchedulesCompletion(t *testing.T) {
	d, last := newDispatcher(t, 0x11, NewResetHandler(ResetConfig{HardResetDelayTicks: 1}, nil))
	var fired uds.ResetType
	d.OnReset(func(kind uds.ResetType) { fired = kind })

	d.DispatchNow([]byte{0x11, SubHardReset}, uds.AddressingPhysical)
	assert.Equal(t, []byte{0x51, SubHardReset}, *last)

	d.Tick()
	assert.Equal(t, uds.ResetNone, fired)
	d.Tick()
	assert.Equal(t, uds.ResetHard, fired)
}

func TestTesterPresentBadLength(t *testing.T) {
	d, last := newDispatcher(t, 0x3E, NewTesterPresentHandler(nil))
	d.DispatchNow([]byte{0x3E}, uds.AddressingPhysical)
	assert.Equal(t, []byte{0x7F, 0x3E, byte(uds.NRCIncorrectMessageLengthOrInvalidFormat)}, *last)
}

func TestTesterPresentOK(t *testing.T) {
	d, last := newDispatcher(t, 0x3E, NewTesterPresentHandler(nil))
	d.DispatchNow([]byte{0x3E, 0x00}, uds.AddressingPhysical)
	assert.Equal(t, []byte{0x7E, 0x00}, *last)
}

func TestControlDTCSettingEnable(t *testing.T) {
	var got bool
	d, last := newDispatcher(t, 0x85, NewDTCSettingHandler(func(enable bool) error {
		got = enable
		return nil
	}, nil))
	d.DispatchNow([]byte{0x85, subEnableDTCSetting}, uds.AddressingPhysical)
	assert.Equal(t, []byte{0xC5, subEnableDTCSetting}, *last)
	assert.True(t, got)
}
