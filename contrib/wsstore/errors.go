package wsstore

import (
	"errors"
	"fmt"

	"github.com/liveq-labs/resilient"
)

// Wire error codes. The gateway sets one on every error frame so the
// resilience layer gets a structured classification.
const (
	codeAborted           = "aborted"
	codeUnavailable       = "unavailable"
	codeDeadlineExceeded  = "deadline_exceeded"
	codeResourceExhausted = "resource_exhausted"
	codeInternal          = "internal"
)

func kindFromCode(code string) resilient.Kind {
	switch code {
	case codeAborted:
		return resilient.KindAborted
	case codeUnavailable:
		return resilient.KindNetworkUnavailable
	case codeDeadlineExceeded:
		return resilient.KindDeadlineExceeded
	case codeResourceExhausted:
		return resilient.KindResourceExhausted
	case codeInternal:
		return resilient.KindInternal
	default:
		return resilient.KindOther
	}
}

func codeFor(err error) string {
	var ke resilient.KindError
	if !errors.As(err, &ke) {
		return ""
	}
	switch ke.ErrorKind() {
	case resilient.KindAborted:
		return codeAborted
	case resilient.KindNetworkUnavailable:
		return codeUnavailable
	case resilient.KindDeadlineExceeded:
		return codeDeadlineExceeded
	case resilient.KindResourceExhausted:
		return codeResourceExhausted
	case resilient.KindInternal:
		return codeInternal
	default:
		return ""
	}
}

// remoteError converts an error frame into a classified error.
func remoteError(f frame) error {
	return resilient.NewError(kindFromCode(f.Code), fmt.Errorf("remote: %s", f.Error))
}
