package errors

import (
	stderrors "errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyWrappedTypes(t *testing.T) {
	base := stderrors.New("boom")
	assert.Equal(t, Transient, Classify(NewTransient(base, "retry me")))
	assert.Equal(t, Permanent, Classify(NewPermanent(base, "stop")))
	assert.Equal(t, Degraded, Classify(NewDegraded(base, "partial", "fallback text")))

	// Wrapping preserves the classification.
	wrapped := fmt.Errorf("llm call: %w", NewTransient(base, "retry me"))
	assert.True(t, IsTransient(wrapped))
	assert.False(t, IsPermanent(wrapped))
}

func TestClassifyUnknownDefaultsToPermanent(t *testing.T) {
	assert.Equal(t, Permanent, Classify(stderrors.New("something odd happened")))
}

func TestNetworkErrorsAreTransient(t *testing.T) {
	assert.True(t, IsTransient(stderrors.New("read tcp: connection reset by peer")))
	assert.True(t, IsTransient(&net.OpError{Op: "dial", Err: stderrors.New("refused")}))
	assert.True(t, IsTransient(&net.DNSError{Err: "server misbehaving", IsTemporary: true}))
	assert.False(t, IsTransient(&net.DNSError{Err: "no such host", IsNotFound: true}))
	assert.False(t, IsTransient(stderrors.New("invalid tool arguments")))
}

func TestStatusCodeClassification(t *testing.T) {
	assert.True(t, IsTransient(&TransientError{Err: stderrors.New("x"), StatusCode: 503}))
	assert.True(t, IsPermanent(&PermanentError{Err: stderrors.New("x"), StatusCode: 404}))
	assert.True(t, IsPermanent(stderrors.New("unauthorized: bad key")))
}

func TestFormatForModel(t *testing.T) {
	assert.Empty(t, FormatForModel(nil))
	assert.Equal(t, "retry later", FormatForModel(NewTransient(stderrors.New("x"), "retry later")))
	assert.Contains(t, FormatForModel(stderrors.New("429 rate limit exceeded")), "rate limit")
	assert.Contains(t, FormatForModel(stderrors.New("context deadline exceeded")), "timed out")
	assert.Equal(t, "plain failure", FormatForModel(stderrors.New("plain failure")))
}
