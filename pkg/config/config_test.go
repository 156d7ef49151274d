package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	uds "github.com/tinyecu/udsdiag"
)

const sampleDCF = `
[Main]
ResponseCapacity = 128

[Timing]
PeriodMs = 10
S3ServerMs = 5000
P2ServerMinMs = 50
P2ServerMaxMs = 500

[Sessions]
IDs = 01,03

[Service:10]
Sessions = 01,03
MinSecurity = 0
Addressing = both

[Service:22]
Sessions = 01,03
MinSecurity = 0
Addressing = physical

[DID:F190]
Length = 17
MinSecurity = 0

[Routine:0203]
MinSecurity = 1

[IOControl:F190]
MinSecurity = 1

[Security:1]
KeySize = 4
Sessions = 03
AttemptLimit = 3
DelayMs = 10000
`

func TestLoadParsesAllSections(t *testing.T) {
	f, err := Load([]byte(sampleDCF))
	require.NoError(t, err)

	assert.Equal(t, 128, f.ResponseCap)
	assert.Equal(t, uint32(10), f.Timing.PeriodMs)
	assert.Equal(t, uint32(5000), f.Timing.S3ServerMs)
	assert.ElementsMatch(t, []uint8{0x01, 0x03}, f.Sessions)

	require.Len(t, f.Services, 2)
	require.Len(t, f.DIDs, 1)
	assert.Equal(t, uint16(0xF190), f.DIDs[0].ID)
	assert.Equal(t, 17, f.DIDs[0].Length)

	require.Len(t, f.Routines, 1)
	assert.Equal(t, uint16(0x0203), f.Routines[0].ID)

	require.Len(t, f.IOControls, 1)
	require.Len(t, f.SecurityLevels, 1)
	assert.Equal(t, uint8(1), f.SecurityLevels[0].Level)
	assert.Equal(t, uint32(3), f.SecurityLevels[0].AttemptLimit)
}

func TestBuildServiceTableMissingHandler(t *testing.T) {
	f, err := Load([]byte(sampleDCF))
	require.NoError(t, err)

	_, err = f.BuildServiceTable(map[uint8]uds.Handler{
		0x10: uds.HandlerFunc(func(*uds.MessageContext, *uds.DiagnosticContext, uds.OpStatus) (uds.Result, error) {
			return uds.ResultOK, nil
		}),
	})
	assert.Error(t, err, "SID 0x22 has no registered handler")
}

func TestBuildServiceTableOK(t *testing.T) {
	f, err := Load([]byte(sampleDCF))
	require.NoError(t, err)

	noop := uds.HandlerFunc(func(*uds.MessageContext, *uds.DiagnosticContext, uds.OpStatus) (uds.Result, error) {
		return uds.ResultOK, nil
	})
	table, err := f.BuildServiceTable(map[uint8]uds.Handler{0x10: noop, 0x22: noop})
	require.NoError(t, err)
	require.NotNil(t, table)
}
