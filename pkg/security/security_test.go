package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	uds "github.com/tinyecu/udsdiag"
)

func newDispatcher(t *testing.T, levels ...LevelConfig) (*uds.Dispatcher, *[]byte) {
	t.Helper()
	h := New(nil, levels...)
	table := uds.NewServiceTable().Add(&uds.ServiceEntry{
		SID:          0x27,
		SessionMask:  uds.SessionMaskFor(0x01, 0x03),
		SecurityMask: uds.SecurityMaskAtLeast(0),
		Addressing:   uds.AddrPhysical,
		Handler:      h,
	})
	timing := uds.TimingConfig{PeriodMs: 10, S3ServerMs: 5000, P2ServerMaxMs: 500}
	d, err := uds.NewDispatcher(table, timing, 32, nil)
	require.NoError(t, err)

	var last []byte
	d.SetTransportSink(func(wire []byte) { last = wire })
	return d, &last
}

func TestSecurityAccessSeedAndKey(t *testing.T) {
	d, last := newDispatcher(t, LevelConfig{
		Level:   1,
		KeySize: 2,
		Seed:    func(level uint8) ([]byte, error) { return []byte{0xAA, 0xBB}, nil },
		Compare: func(level uint8, key []byte) (bool, error) { return key[0] == 0xAA && key[1] == 0xBB, nil },
	})

	d.DispatchNow([]byte{0x27, 0x01}, uds.AddressingPhysical)
	assert.Equal(t, []byte{0x67, 0x01, 0xAA, 0xBB}, *last)
	assert.Equal(t, uint8(0), d.Diagnostic().SecurityLevel)

	d.DispatchNow([]byte{0x27, 0x02, 0xAA, 0xBB}, uds.AddressingPhysical)
	assert.Equal(t, []byte{0x67, 0x02}, *last)
	assert.Equal(t, uint8(1), d.Diagnostic().SecurityLevel)
}

func TestSecurityAccessWrongKeyDoesNotGrant(t *testing.T) {
	d, last := newDispatcher(t, LevelConfig{
		Level:   1,
		KeySize: 2,
		Seed:    func(level uint8) ([]byte, error) { return []byte{0xAA, 0xBB}, nil },
		Compare: func(level uint8, key []byte) (bool, error) { return false, nil },
	})

	d.DispatchNow([]byte{0x27, 0x02, 0x00, 0x00}, uds.AddressingPhysical)
	assert.Equal(t, []byte{0x7F, 0x27, byte(uds.NRCSecurityAccessDenied)}, *last)
	assert.Equal(t, uint8(0), d.Diagnostic().SecurityLevel)
}

func TestSecurityAccessLockoutAfterLimit(t *testing.T) {
	d, last := newDispatcher(t, LevelConfig{
		Level:        1,
		KeySize:      1,
		AttemptLimit: 2,
		DelayMs:      1000,
		Compare:      func(level uint8, key []byte) (bool, error) { return false, nil },
	})

	d.DispatchNow([]byte{0x27, 0x02, 0x00}, uds.AddressingPhysical)
	assert.Equal(t, byte(uds.NRCSecurityAccessDenied), (*last)[2])

	d.DispatchNow([]byte{0x27, 0x02, 0x00}, uds.AddressingPhysical)
	assert.Equal(t, byte(uds.NRCExceededNumberOfAttempts), (*last)[2])

	d.DispatchNow([]byte{0x27, 0x02, 0x00}, uds.AddressingPhysical)
	assert.Equal(t, byte(uds.NRCRequiredTimeDelayNotExpired), (*last)[2])
}

func TestSecurityAccessUnknownLevel(t *testing.T) {
	d, last := newDispatcher(t, LevelConfig{Level: 1, KeySize: 2})
	d.DispatchNow([]byte{0x27, 0x05}, uds.AddressingPhysical)
	assert.Equal(t, []byte{0x7F, 0x27, byte(uds.NRCSubFunctionNotSupported)}, *last)
}
