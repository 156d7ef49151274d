package uds

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(respLen int) Handler {
	return HandlerFunc(func(ctx *MessageContext, diag *DiagnosticContext, op OpStatus) (Result, error) {
		ctx.ResponseLength = respLen
		return ResultOK, nil
	})
}

func newTestDispatcher(t *testing.T, table *ServiceTable, timing TimingConfig) (*Dispatcher, *[]byte) {
	t.Helper()
	d, err := NewDispatcher(table, timing, 32, nil)
	require.NoError(t, err)
	var last []byte
	d.SetTransportSink(func(wire []byte) { last = wire })
	return d, &last
}

func TestDispatchUnsupportedSID(t *testing.T) {
	d, last := newTestDispatcher(t, NewServiceTable(), TimingConfig{PeriodMs: 10, S3ServerMs: 5000, P2ServerMaxMs: 500})
	d.DispatchNow([]byte{0x99}, AddressingPhysical)
	assert.Equal(t, []byte{0x7F, 0x99, byte(NRCServiceNotSupported)}, *last)
}

func TestDispatchZeroLengthRequest(t *testing.T) {
	d, last := newTestDispatcher(t, NewServiceTable(), TimingConfig{PeriodMs: 10, S3ServerMs: 5000, P2ServerMaxMs: 500})
	d.DispatchNow([]byte{}, AddressingPhysical)
	assert.Equal(t, []byte{0x7F, 0x00, byte(NRCIncorrectMessageLengthOrInvalidFormat)}, *last)
}

func TestDispatchFunctionalAddressingSilentlyDropped(t *testing.T) {
	table := NewServiceTable().Add(&ServiceEntry{
		SID:          0x22,
		SessionMask:  SessionMaskFor(1),
		SecurityMask: SecurityMaskAtLeast(0),
		Addressing:   AddrPhysical,
		Handler:      echoHandler(0),
	})
	d, last := newTestDispatcher(t, table, TimingConfig{PeriodMs: 10, S3ServerMs: 5000, P2ServerMaxMs: 500})
	d.DispatchNow([]byte{0x22, 0xF1, 0x90}, AddressingFunctional)
	assert.Nil(t, *last)
}

func TestDispatchSessionGating(t *testing.T) {
	table := NewServiceTable().Add(&ServiceEntry{
		SID:          0x2E,
		SessionMask:  SessionMaskFor(2, 3),
		SecurityMask: SecurityMaskAtLeast(0),
		Addressing:   AddrPhysical,
		Handler:      echoHandler(2),
	})
	d, last := newTestDispatcher(t, table, TimingConfig{PeriodMs: 10, S3ServerMs: 5000, P2ServerMaxMs: 500})
	d.DispatchNow([]byte{0x2E, 0xF1, 0x90, 0x01}, AddressingPhysical)
	assert.Equal(t, []byte{0x7F, 0x2E, byte(NRCServiceNotSupportedInActiveSession)}, *last)
}

func TestDispatchSecurityGating(t *testing.T) {
	table := NewServiceTable().Add(&ServiceEntry{
		SID:          0x2E,
		SessionMask:  SessionMaskFor(1),
		SecurityMask: SecurityMaskAtLeast(1),
		Addressing:   AddrPhysical,
		Handler:      echoHandler(2),
	})
	d, last := newTestDispatcher(t, table, TimingConfig{PeriodMs: 10, S3ServerMs: 5000, P2ServerMaxMs: 500})
	d.DispatchNow([]byte{0x2E, 0xF1, 0x90, 0x01}, AddressingPhysical)
	assert.Equal(t, []byte{0x7F, 0x2E, byte(NRCSecurityAccessDenied)}, *last)

	d.Diagnostic().SecurityLevel = 1
	d.DispatchNow([]byte{0x2E, 0xF1, 0x90, 0x01}, AddressingPhysical)
	assert.Equal(t, byte(0x2E+0x40), (*last)[0])
}

// TestS3TimeoutForcesDefaultSession verifies that an idle S3 timeout
// forces the session back to default and zeroes the security level.
func TestS3TimeoutForcesDefaultSession(t *testing.T) {
	table := NewServiceTable()
	d, _ := newTestDispatcher(t, table, TimingConfig{PeriodMs: 10, S3ServerMs: 30, P2ServerMaxMs: 500})
	d.diag.ApplySessionChange(3)
	d.diag.SecurityLevel = 2
	require.Equal(t, uint8(3), d.Diagnostic().Session)

	for i := 0; i < 4; i++ {
		d.Tick()
	}
	assert.Equal(t, DefaultSessionID, d.Diagnostic().Session)
	assert.Equal(t, uint8(0), d.Diagnostic().SecurityLevel)
}

// TestResponsePendingThenResolve verifies the PENDING re-invocation loop:
// a handler returning ResultPending causes a 0x78 Response-Pending frame
// on P2 expiry, then is re-invoked in the same tick and may resolve
// positively.
func TestResponsePendingThenResolve(t *testing.T) {
	calls := 0
	table := NewServiceTable().Add(&ServiceEntry{
		SID:          0x31,
		SessionMask:  SessionMaskFor(1),
		SecurityMask: SecurityMaskAtLeast(0),
		Addressing:   AddrPhysical,
		Handler: HandlerFunc(func(ctx *MessageContext, diag *DiagnosticContext, op OpStatus) (Result, error) {
			calls++
			if calls == 1 {
				return ResultPending, nil
			}
			ctx.Response[0] = 0x01
			ctx.ResponseLength = 1
			return ResultOK, nil
		}),
	})
	var frames [][]byte
	d, err := NewDispatcher(table, TimingConfig{PeriodMs: 10, S3ServerMs: 5000, P2ServerMaxMs: 20}, 32, nil)
	require.NoError(t, err)
	d.SetTransportSink(func(wire []byte) { frames = append(frames, wire) })

	d.DispatchNow([]byte{0x31, 0x01, 0x02, 0x03}, AddressingPhysical)
	assert.Empty(t, frames)

	for i := 0; i < 3; i++ {
		d.Tick()
	}
	require.Len(t, frames, 2)
	assert.Equal(t, []byte{0x7F, 0x31, byte(NRCResponsePending)}, frames[0])
	assert.Equal(t, []byte{0x71, 0x01}, frames[1])
	assert.Equal(t, 2, calls)
}

// TestCancelOnNewRequest verifies that a new request preempts a still-
// pending one, invoking it once with OpCancel and discarding whatever it
// returns.
func TestCancelOnNewRequest(t *testing.T) {
	var cancelled bool
	table := NewServiceTable().Add(&ServiceEntry{
		SID:          0x31,
		SessionMask:  SessionMaskFor(1),
		SecurityMask: SecurityMaskAtLeast(0),
		Addressing:   AddrPhysical,
		Handler: HandlerFunc(func(ctx *MessageContext, diag *DiagnosticContext, op OpStatus) (Result, error) {
			if op == OpCancel {
				cancelled = true
				return ResultOK, nil
			}
			return ResultPending, nil
		}),
	})
	d, _ := newTestDispatcher(t, table, TimingConfig{PeriodMs: 10, S3ServerMs: 5000, P2ServerMaxMs: 20})
	d.DispatchNow([]byte{0x31, 0x01, 0x02, 0x03}, AddressingPhysical)
	require.Equal(t, OpPending, d.Diagnostic().OpStatus)

	d.DispatchNow([]byte{0x31, 0x01, 0x02, 0x03}, AddressingPhysical)
	assert.True(t, cancelled)
}
