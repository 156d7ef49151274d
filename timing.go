package uds

// TimingConfig is the construction-time timing configuration: the whole
// dispatcher is driven by a periodic main-function tick rather than
// free-running timers, matching a single-threaded cooperative scheduling
// model.
type TimingConfig struct {
	PeriodMs      uint32 // main-function tick period
	S3ServerMs    uint32 // session-idle timeout
	P2ServerMinMs uint32 // not separately enforced here, kept for completeness
	P2ServerMaxMs uint32 // response-pending deadline

	// MaxPendingRepeats bounds consecutive Response-Pending (0x78) emissions
	// for one request before the dispatcher aborts it with
	// conditionsNotCorrect. Zero means unbounded.
	MaxPendingRepeats uint32
}

func (c TimingConfig) s3Ticks() uint32 {
	return ticksFor(c.S3ServerMs, c.PeriodMs)
}

func (c TimingConfig) p2MaxTicks() uint32 {
	return ticksFor(c.P2ServerMaxMs, c.PeriodMs)
}

func ticksFor(durationMs, periodMs uint32) uint32 {
	if periodMs == 0 {
		return 0
	}
	ticks := durationMs / periodMs
	if ticks == 0 {
		ticks = 1
	}
	return ticks
}

// SessionControlPayload encodes the SessionControl positive response
// payload: session id, then S3 in ms-equivalent (S3Server-ticks × period),
// then P2* in 10ms units (P2ServerMax-ticks × period / 10).
func (c TimingConfig) SessionControlPayload(session uint8) [5]byte {
	s3Ms := c.s3Ticks() * c.PeriodMs
	p2Star := (c.p2MaxTicks() * c.PeriodMs) / 10
	return [5]byte{
		session,
		byte(s3Ms >> 8), byte(s3Ms),
		byte(p2Star >> 8), byte(p2Star),
	}
}
