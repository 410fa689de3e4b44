package domain

import "errors"

const (
	CommandScan = "scan"

	StatusSuccess = "success"
	StatusError   = "error"
)

// Command is the only outbound frame shape: {"command":"scan"}.
type Command struct {
	Command string `json:"command"`
}

// Response is an inbound frame. Data is set for StatusSuccess, Message for
// StatusError.
type Response struct {
	Status  string                `json:"status"`
	Data    *IdentificationRecord `json:"data,omitempty"`
	Message string                `json:"message,omitempty"`
}

func SuccessResponse(record *IdentificationRecord) Response {
	return Response{Status: StatusSuccess, Data: record}
}

func ErrorResponse(message string) Response {
	return Response{Status: StatusError, Message: message}
}

const (
	ErrMsgReaderNotFound  = "No fingerprint reader found."
	ErrMsgNoCapture       = "No finger was presented to the reader in time."
	ErrMsgNotRecognized   = "Fingerprint not recognized."
	ErrMsgReadFailed      = "Failed to read data from the fingerprint reader."
	ErrMsgScanInProgress  = "A scan is already in progress."
	ErrMsgUnknownCommand  = "Unknown command."
	ErrMsgUnknownReader   = "Unknown reader error."
	ErrMsgInvalidResponse = "Invalid response from the local service."
	ErrMsgNoConnection    = "No connection to the reader."
)

var (
	ErrReaderNotFound = errors.New(ErrMsgReaderNotFound)
	ErrNoCapture      = errors.New(ErrMsgNoCapture)
	ErrNotRecognized  = errors.New(ErrMsgNotRecognized)
	ErrReadFailed     = errors.New(ErrMsgReadFailed)
)

// ErrorMessage maps a reader error to the text sent to bridge clients.
// Errors outside the catalogue are reported as a generic read failure.
func ErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrReaderNotFound):
		return ErrMsgReaderNotFound
	case errors.Is(err, ErrNoCapture):
		return ErrMsgNoCapture
	case errors.Is(err, ErrNotRecognized):
		return ErrMsgNotRecognized
	default:
		return ErrMsgReadFailed
	}
}
