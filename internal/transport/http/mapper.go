package http

import (
	"errors"

	"github.com/vovakirdan/campuschat/internal/bridge"
	"github.com/vovakirdan/campuschat/internal/proto"
)

// persistFailure maps a Persister error to the error frame sent back to the sender.
func persistFailure(err error) []byte {
	if errors.Is(err, bridge.ErrSaturated) || errors.Is(err, bridge.ErrClosed) {
		return proto.ErrorFrame(proto.ErrCodeBusy, "server busy, retry later")
	}
	return proto.ErrorFrame(proto.ErrCodeStoreFailed, "message could not be saved")
}

func publishFailure() []byte {
	return proto.ErrorFrame(proto.ErrCodePublishFailed, "message saved but could not be delivered")
}

func badRequest(msg string) []byte {
	return proto.ErrorFrame(proto.ErrCodeBadRequest, msg)
}

func rateLimited() []byte {
	return proto.ErrorFrame(proto.ErrCodeRateLimited, "too many messages, slow down")
}
