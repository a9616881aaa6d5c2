package sim

import "fmt"

var (
	// ErrCodes is a map of error codes to error strings
	ErrCodes = map[DRVError]string{
		0: "SIM_SUCCESS",
		1: "SIM_ERR_NOT_OPEN",
		2: "SIM_ERR_ALREADY_OPEN",
		3: "SIM_ERR_BUSY",
		4: "SIM_ERR_NO_BUFFERS",
		5: "SIM_ERR_CALLBACK_INSTALLED",
		6: "SIM_ERR_NO_CALLBACK",
		7: "SIM_ERR_CONNECTION",
		8: "SIM_ERR_OUT_OF_RANGE",
	}
)

const (
	codeNotOpen DRVError = iota + 1
	codeAlreadyOpen
	codeBusy
	codeNoBuffers
	codeCallbackInstalled
	codeNoCallback
	codeConnection
	codeOutOfRange
)

// DRVError represents a driver error
type DRVError int

func (e DRVError) Error() string {
	if s, ok := ErrCodes[e]; ok {
		return fmt.Sprintf("%d - %s", e, s)
	}
	return fmt.Sprintf("%v - UNKNOWN_ERROR_CODE", int(e))
}

// Error returns nil on beneign error codes or returns an error object on non-beneign ones
func Error(code int) error {
	if code == 0 {
		return nil
	}
	return DRVError(code)
}
