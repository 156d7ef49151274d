package uds

// AddressingMode is how the request frame was addressed on the bus.
type AddressingMode uint8

const (
	AddressingPhysical AddressingMode = iota
	AddressingFunctional
)

// AddressingSet is the set of addressing modes a service entry accepts.
type AddressingSet uint8

const (
	AddrPhysical   AddressingSet = 1 << 0
	AddrFunctional AddressingSet = 1 << 1
	AddrBoth                     = AddrPhysical | AddrFunctional
)

func (a AddressingSet) Allows(mode AddressingMode) bool {
	switch mode {
	case AddressingPhysical:
		return a&AddrPhysical != 0
	case AddressingFunctional:
		return a&AddrFunctional != 0
	default:
		return false
	}
}

// OpStatus tells a handler why it is being invoked: a fresh request, a
// re-invocation after a prior PENDING return, or a request to release any
// resources because the in-flight request was cancelled.
type OpStatus uint8

const (
	OpInitial OpStatus = iota
	OpPending
	OpCancel
	OpForceRCRRPOk
)

// Result is what a handler returns alongside a nil or NegativeResponse error.
type Result uint8

const (
	ResultOK Result = iota
	ResultPending
	ResultForceRCRRP
)

// MessageContext is the per-request state threaded through dispatch and into
// a handler: the request payload (after the SID byte), the buffer the
// handler must fill with its response payload (after the SID+0x40 byte),
// and the addressing mode the request arrived with.
type MessageContext struct {
	SID        uint8
	Request    []byte
	Response   []byte // fixed-capacity scratch buffer, len == response capacity
	ResponseLength int
	Addressing AddressingMode
}

// ResponseCapacity is the maximum number of response payload bytes a
// handler may write, including any transport overhead allowance.
func (m *MessageContext) ResponseCapacity() int {
	return len(m.Response)
}
