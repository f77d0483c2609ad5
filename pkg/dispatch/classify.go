package dispatch

import (
	"context"
	"errors"
	"net"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/conductor-sh/conductor/pkg/types"
	"github.com/openai/openai-go"
)

// Classify maps a provider error to the retry classification the
// scheduler acts on. Rate limits and server errors are transient,
// client errors are permanent, deadline expiry is a timeout.
func Classify(err error) types.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrorKindTimeout
	}

	var anthErr *anthropic.Error
	if errors.As(err, &anthErr) {
		return classifyStatus(anthErr.StatusCode)
	}
	var oaiErr *openai.Error
	if errors.As(err, &oaiErr) {
		return classifyStatus(oaiErr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return types.ErrorKindTimeout
		}
		return types.ErrorKindTransient
	}

	// Unclassifiable errors retry rather than fail permanently
	return types.ErrorKindTransient
}

func classifyStatus(code int) types.ErrorKind {
	switch {
	case code == 408 || code == 429:
		return types.ErrorKindTransient
	case code >= 500:
		return types.ErrorKindTransient
	case code >= 400:
		return types.ErrorKindPermanent
	default:
		return types.ErrorKindTransient
	}
}
