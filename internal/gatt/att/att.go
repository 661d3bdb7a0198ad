// Package att defines Attribute Protocol status codes as reported by the
// peer on operation completion [Vol 3, Part F, 3.4.1.1].
package att

import "fmt"

// ErrorCode is an ATT protocol status code carried in an operation
// completion. Zero means success.
type ErrorCode uint8

const (
	Success           ErrorCode = 0x00
	InvalidHandle     ErrorCode = 0x01
	ReadNotPerm       ErrorCode = 0x02
	WriteNotPerm      ErrorCode = 0x03
	InvalidPDU        ErrorCode = 0x04
	Authentication    ErrorCode = 0x05
	ReqNotSupp        ErrorCode = 0x06
	InvalidOffset     ErrorCode = 0x07
	Authorization     ErrorCode = 0x08
	PrepQueueFull     ErrorCode = 0x09
	AttrNotFound      ErrorCode = 0x0a
	AttrNotLong       ErrorCode = 0x0b
	InsuffEncrKeySize ErrorCode = 0x0c
	InvalAttrValueLen ErrorCode = 0x0d
	Unlikely          ErrorCode = 0x0e
	InsuffEnc         ErrorCode = 0x0f
	UnsuppGrpType     ErrorCode = 0x10
	InsuffResources   ErrorCode = 0x11
)

var errName = map[ErrorCode]string{
	Success:           "success",
	InvalidHandle:     "invalid handle",
	ReadNotPerm:       "read not permitted",
	WriteNotPerm:      "write not permitted",
	InvalidPDU:        "invalid PDU",
	Authentication:    "insufficient authentication",
	ReqNotSupp:        "request not supported",
	InvalidOffset:     "invalid offset",
	Authorization:     "insufficient authorization",
	PrepQueueFull:     "prepare queue full",
	AttrNotFound:      "attribute not found",
	AttrNotLong:       "attribute not long",
	InsuffEncrKeySize: "insufficient encryption key size",
	InvalAttrValueLen: "invalid attribute value length",
	Unlikely:          "unlikely error",
	InsuffEnc:         "insufficient encryption",
	UnsuppGrpType:     "unsupported group type",
	InsuffResources:   "insufficient resources",
}

func (e ErrorCode) String() string {
	if name, ok := errName[e]; ok {
		return name
	}
	if e >= 0x80 && e <= 0x9f {
		return fmt.Sprintf("application error (0x%02x)", uint8(e))
	}
	return fmt.Sprintf("unknown error (0x%02x)", uint8(e))
}

// Error implements the error interface so a non-zero status code can be
// returned directly to callers. Success must not be used as an error value.
func (e ErrorCode) Error() string {
	return fmt.Sprintf("ATT error 0x%02x: %s", uint8(e), e.String())
}

// IsApplicationError reports whether the code falls into the
// application-defined range (0x80-0x9F).
func (e ErrorCode) IsApplicationError() bool {
	return e >= 0x80 && e <= 0x9f
}
