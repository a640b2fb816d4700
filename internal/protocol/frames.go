package protocol

import (
	"encoding/json"

	apperrors "github.com/openclaw/rtcore-go/internal/errors"
	"github.com/openclaw/rtcore-go/internal/model"
)

// ErrorPayload is the data of an error frame.
type ErrorPayload struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
	Details any                 `json:"details,omitempty"`
}

// NewEvent builds an outbound frame carrying v as data.
func NewEvent(event string, v any) model.Delivery {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte("null")
	}
	return model.Delivery{Event: event, Data: data}
}

// Reply answers the inbound frame identified by ref.
func Reply(ref string, v any) model.Delivery {
	d := NewEvent(EventReply, v)
	d.Ref = ref
	return d
}

func Error(ref string, err error) model.Delivery {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.Internal("An unexpected error occurred")
	}
	d := NewEvent(EventError, ErrorPayload{
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Details,
	})
	d.Ref = ref
	return d
}

// Encode renders d as a wire frame.
func Encode(d model.Delivery) ([]byte, error) {
	return json.Marshal(d)
}
