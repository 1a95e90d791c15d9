package validate

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	transient := []error{
		errors.New("navigation timeout of 30000ms exceeded"),
		errors.New("context deadline exceeded"),
		errors.New("net::ERR_CONNECTION_CLOSED"),
		errors.New("dial tcp: connection refused"),
		errors.New("read: connection reset by peer"),
		fmt.Errorf("probe failed: %w", errors.New("no route to host")),
		errors.New("search API returned status 429"),
		errors.New("search API returned status 503"),
		errors.New("unexpected EOF"),
	}
	for _, err := range transient {
		assert.True(t, isTransient(err), err.Error())
	}

	settled := []error{
		nil,
		context.Canceled,
		errors.New("search API returned status 403"),
		errors.New("invalid JSON response"),
	}
	for _, err := range settled {
		assert.False(t, isTransient(err))
	}
}
