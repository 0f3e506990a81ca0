package protocol

import "fmt"

// ReturnCode is the status byte of CONNACK, REGACK and SUBACK.
type ReturnCode byte

const (
	Accepted               ReturnCode = 0x00
	RejectedCongestion     ReturnCode = 0x01
	RejectedInvalidTopicID ReturnCode = 0x02
	RejectedNotSupported   ReturnCode = 0x03
)

func (rc ReturnCode) String() string {
	switch rc {
	case Accepted:
		return "Accepted"
	case RejectedCongestion:
		return "Rejected: congestion"
	case RejectedInvalidTopicID:
		return "Rejected: invalid topic ID"
	case RejectedNotSupported:
		return "Rejected: not supported"
	default:
		return fmt.Sprintf("Rejected: error code %d", byte(rc))
	}
}

// ErrorOrNil returns an error describing the rejection, or nil if the code
// is Accepted.
func (rc ReturnCode) ErrorOrNil() error {
	if rc == Accepted {
		return nil
	}

	return &RejectedError{Code: rc}
}

// RejectedError is returned by the client when the gateway refuses a request.
type RejectedError struct {
	Code ReturnCode
}

func (e *RejectedError) Error() string {
	return e.Code.String()
}
