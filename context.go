package uds

// TransferKind is which half of the upload/download state machine is active.
type TransferKind uint8

const (
	TransferIdle TransferKind = iota
	TransferDownload
	TransferUpload
)

// TransferState is the memory-transfer state shared by RequestDownload,
// RequestUpload, TransferData and RequestTransferExit.
type TransferState struct {
	Kind     TransferKind
	Address  uint32
	Size     uint32
	Offset   uint32 // bytes already transferred, from base address
	BlockSeq uint8  // next expected block sequence counter, starts at 1
}

func (t *TransferState) reset() {
	*t = TransferState{Kind: TransferIdle, BlockSeq: 1}
}

// ResetType records which ECUReset sub-function is pending completion.
type ResetType uint8

const (
	ResetNone ResetType = iota
	ResetHard
	ResetSoft
)

// SessionNotifier is how DiagnosticContext reaches back into the owning
// Dispatcher when a session transition happens from inside a handler
// invocation (pkg/session), since the dispatcher's S3/P2 tick counters are
// not otherwise reachable from outside this package.
type SessionNotifier interface {
	NotifySessionChange(old, new uint8)
}

// ResetScheduler is how DiagnosticContext reaches back into the owning
// Dispatcher to arm the reset-completion timer (pkg/control).
type ResetScheduler interface {
	ScheduleReset(kind ResetType, delayTicks uint32)
}

// DiagnosticContext is the single process-wide, single-active-request state
// owned by the Dispatcher. Handlers receive it by reference for the
// duration of one invocation and may only mutate the fields this package
// documents as handler-writable (security level via pkg/security, transfer
// state via pkg/transfer, session via pkg/session, exclusively through
// ApplySessionChange).
type DiagnosticContext struct {
	Session       uint8
	SecurityLevel uint8
	OpStatus      OpStatus
	ResetPending  ResetType
	Transfer      TransferState

	// Timing is a construction-time snapshot, exposed so pkg/session can
	// encode the SessionControl response payload without reaching into
	// the Dispatcher directly.
	Timing TimingConfig

	// Notifier is set by the owning Dispatcher at construction time.
	Notifier SessionNotifier

	// Resets is set by the owning Dispatcher at construction time.
	Resets ResetScheduler
}

func newDiagnosticContext(defaultSession uint8) *DiagnosticContext {
	d := &DiagnosticContext{Session: defaultSession}
	d.Transfer.reset()
	return d
}

// ApplySessionChange zeroes the current security level, resets transfer
// state, sets the new session and notifies the dispatcher so it can
// reload S3/P2.
func (d *DiagnosticContext) ApplySessionChange(newSession uint8) {
	old := d.Session
	d.Session = newSession
	d.SecurityLevel = 0
	d.Transfer.reset()
	if d.Notifier != nil {
		d.Notifier.NotifySessionChange(old, newSession)
	}
}
