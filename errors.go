package uds

import (
	"errors"
	"fmt"
)

// Programming-level errors: malformed configuration passed at construction
// time. These never reach the wire; they indicate an integrator bug.
var (
	ErrIllegalArgument = errors.New("illegal argument")
	ErrOdParameters    = errors.New("invalid service configuration")
	ErrNoSuchDID       = errors.New("data identifier not configured")
	ErrNoSuchRoutine   = errors.New("routine identifier not configured")
)

// NegativeResponse is a UDS Negative Response Code. It implements error so
// handlers can return it directly as the failure of a service operation.
type NegativeResponse uint8

// NRC code set used by this dispatcher (subset of ISO 14229).
const (
	NRCGeneralReject                          NegativeResponse = 0x10
	NRCServiceNotSupported                    NegativeResponse = 0x11
	NRCSubFunctionNotSupported                NegativeResponse = 0x12
	NRCIncorrectMessageLengthOrInvalidFormat  NegativeResponse = 0x13
	NRCResponseTooLong                        NegativeResponse = 0x14
	NRCConditionsNotCorrect                   NegativeResponse = 0x22
	NRCRequestSequenceError                   NegativeResponse = 0x24
	NRCRequestOutOfRange                      NegativeResponse = 0x31
	NRCSecurityAccessDenied                   NegativeResponse = 0x33
	NRCExceededNumberOfAttempts               NegativeResponse = 0x36
	NRCRequiredTimeDelayNotExpired            NegativeResponse = 0x37
	NRCGeneralProgrammingFailure              NegativeResponse = 0x72
	NRCWrongBlockSequenceCounter              NegativeResponse = 0x73
	NRCResponsePending                        NegativeResponse = 0x78
	NRCSubFunctionNotSupportedInActiveSession NegativeResponse = 0x7E
	NRCServiceNotSupportedInActiveSession     NegativeResponse = 0x7F
)

var nrcDescriptions = map[NegativeResponse]string{
	NRCGeneralReject:                          "general reject",
	NRCServiceNotSupported:                    "service not supported",
	NRCSubFunctionNotSupported:                "sub-function not supported",
	NRCIncorrectMessageLengthOrInvalidFormat:  "incorrect message length or invalid format",
	NRCResponseTooLong:                        "response too long",
	NRCConditionsNotCorrect:                   "conditions not correct",
	NRCRequestSequenceError:                   "request sequence error",
	NRCRequestOutOfRange:                      "request out of range",
	NRCSecurityAccessDenied:                   "security access denied",
	NRCExceededNumberOfAttempts:               "exceeded number of attempts",
	NRCRequiredTimeDelayNotExpired:            "required time delay not expired",
	NRCGeneralProgrammingFailure:              "general programming failure",
	NRCWrongBlockSequenceCounter:              "wrong block sequence counter",
	NRCResponsePending:                        "request correctly received, response pending",
	NRCSubFunctionNotSupportedInActiveSession: "sub-function not supported in active session",
	NRCServiceNotSupportedInActiveSession:     "service not supported in active session",
}

func (nrc NegativeResponse) Error() string {
	return fmt.Sprintf("x%02x: %s", uint8(nrc), nrc.Description())
}

func (nrc NegativeResponse) Description() string {
	if d, ok := nrcDescriptions[nrc]; ok {
		return d
	}
	return nrcDescriptions[NRCGeneralReject]
}

// AsNegativeResponse extracts the NRC carried by err, if any, falling back
// to generalReject when a handler returned some other error without
// selecting a specific code — the dispatcher never lets an unclassified
// error escape to the wire.
func AsNegativeResponse(err error) NegativeResponse {
	if err == nil {
		return 0
	}
	var nrc NegativeResponse
	if errors.As(err, &nrc) {
		return nrc
	}
	return NRCGeneralReject
}
