package omx

import (
	"fmt"
	"strconv"
	"strings"

	errors "golang.org/x/xerrors"
)

// Error is a component error code. Values follow the OpenMAX numbering so
// they read the same in logs as the vendor runtime's.
type Error uint32

const (
	ErrorNone                     Error = 0
	ErrorInsufficientResources    Error = 0x80001000
	ErrorUndefined                Error = 0x80001001
	ErrorComponentNotFound        Error = 0x80001003
	ErrorBadParameter             Error = 0x80001005
	ErrorNotImplemented           Error = 0x80001006
	ErrorOverflow                 Error = 0x80001008
	ErrorHardware                 Error = 0x80001009
	ErrorInvalidState             Error = 0x8000100A
	ErrorStreamCorrupt            Error = 0x8000100B
	ErrorNotReady                 Error = 0x80001010
	ErrorSameState                Error = 0x80001012
	ErrorIncorrectStateTransition Error = 0x80001017
	ErrorIncorrectStateOperation  Error = 0x80001018
	ErrorUnsupportedSetting       Error = 0x80001019
	ErrorUnsupportedIndex         Error = 0x8000101A
	ErrorBadPortIndex             Error = 0x8000101B
	ErrorPortUnpopulated          Error = 0x8000101C
)

var errorNames = map[Error]string{
	ErrorNone:                     "None",
	ErrorInsufficientResources:    "InsufficientResources",
	ErrorUndefined:                "Undefined",
	ErrorComponentNotFound:        "ComponentNotFound",
	ErrorBadParameter:             "BadParameter",
	ErrorNotImplemented:           "NotImplemented",
	ErrorOverflow:                 "Overflow",
	ErrorHardware:                 "Hardware",
	ErrorInvalidState:             "InvalidState",
	ErrorStreamCorrupt:            "StreamCorrupt",
	ErrorNotReady:                 "NotReady",
	ErrorSameState:                "SameState",
	ErrorIncorrectStateTransition: "IncorrectStateTransition",
	ErrorIncorrectStateOperation:  "IncorrectStateOperation",
	ErrorUnsupportedSetting:       "UnsupportedSetting",
	ErrorUnsupportedIndex:         "UnsupportedIndex",
	ErrorBadPortIndex:             "BadPortIndex",
	ErrorPortUnpopulated:          "PortUnpopulated",
}

func (e Error) Error() string {
	if name, ok := errorNames[e]; ok {
		return fmt.Sprintf("omx: %s (0x%08x)", name, uint32(e))
	}
	return fmt.Sprintf("omx: error 0x%08x", uint32(e))
}

// ParseError accepts an error name such as "StreamCorrupt" or a numeric code
// such as "0x8000100B".
func ParseError(s string) (Error, error) {
	s = strings.TrimSpace(s)
	for code, name := range errorNames {
		if strings.EqualFold(name, s) || strings.EqualFold("Error"+name, s) {
			return code, nil
		}
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Errorf("unknown omx error %q", s)
	}
	return Error(n), nil
}

// Code extracts the component error code from err, if there is one.
func Code(err error) (Error, bool) {
	var e Error
	if errors.As(err, &e) {
		return e, true
	}
	return 0, false
}
