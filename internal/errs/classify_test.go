package errs

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_ExplicitCodeWins(t *testing.T) {
	explicit := CodeBusiness
	code, msg, verdict := Classify(New(CodeLocking, "lock conflict"), &explicit)

	assert.Equal(t, CodeBusiness, code)
	assert.Equal(t, VerdictFatal, verdict)
	assert.Contains(t, msg, "E101")
}

func TestClassify_TaggedError(t *testing.T) {
	err := New(CodeValidation, "missing operation name")
	code, _, verdict := Classify(err, nil)

	assert.Equal(t, CodeValidation, code)
	assert.Equal(t, VerdictFatal, verdict)
}

func TestClassify_WrappedTaggedError(t *testing.T) {
	err := fmt.Errorf("processing message 42: %w", New(CodeNotFound, "subscriber missing"))
	code, _, verdict := Classify(err, nil)

	assert.Equal(t, CodeNotFound, code)
	assert.Equal(t, VerdictFatal, verdict)
}

func TestClassify_NetworkError(t *testing.T) {
	var err error = &net.DNSError{Err: "no such host", Name: "billing"}
	code, _, verdict := Classify(err, nil)

	assert.Equal(t, CodeTransport, code)
	assert.Equal(t, VerdictRetryable, verdict)
}

func TestClassify_RootCauseUnwinding(t *testing.T) {
	// a name-resolution failure buried under several wrapping layers must
	// still classify as transport, not generic
	root := &net.DNSError{Err: "no such host", Name: "billing"}
	err := fmt.Errorf("route failed: %w", fmt.Errorf("call billing.charge: %w", root))

	code, msg, verdict := Classify(err, nil)

	assert.Equal(t, CodeTransport, code)
	assert.Equal(t, VerdictRetryable, verdict)
	assert.Contains(t, msg, "net.DNSError")
}

func TestClassify_UnclassifiedIsGenericRetryable(t *testing.T) {
	code, _, verdict := Classify(errors.New("something odd"), nil)

	assert.Equal(t, CodeGeneric, code)
	assert.Equal(t, VerdictRetryable, verdict)
}

func TestClassify_Deterministic(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(CodeAuth, "denied"))
	for i := 0; i < 5; i++ {
		code, msg, verdict := Classify(err, nil)
		assert.Equal(t, CodeAuth, code)
		assert.Equal(t, VerdictFatal, verdict)
		assert.Contains(t, msg, "E117")
	}
}

func TestVerdicts(t *testing.T) {
	fatal := []Code{CodeValidation, CodeBusiness, CodeNotFound, CodeIntegrity, CodeAuth, CodeStuck}
	retryable := []Code{CodeGeneric, CodeTransport, CodeLocking}

	for _, c := range fatal {
		assert.Equal(t, VerdictFatal, c.Verdict(), string(c))
	}
	for _, c := range retryable {
		assert.Equal(t, VerdictRetryable, c.Verdict(), string(c))
	}
}

func TestComposeErrorMessage(t *testing.T) {
	msg := ComposeErrorMessage(CodeTransport, errors.New("connection refused"))
	assert.Contains(t, msg, "E103")
	assert.Contains(t, msg, "communication error")
	assert.Contains(t, msg, "connection refused")

	// nil cause still renders code and description
	msg = ComposeErrorMessage(CodeStuck, nil)
	assert.Contains(t, msg, "E116")
	assert.Contains(t, msg, "stuck")
}

func TestMessagesInChain(t *testing.T) {
	root := errors.New("disk full")
	err := fmt.Errorf("persist message: %w", Wrap(CodeGeneric, "store failed", root))

	chain := MessagesInChain(err)
	assert.Contains(t, chain, "persist message")
	assert.Contains(t, chain, "store failed")
	assert.Contains(t, chain, "disk full")
	assert.Equal(t, 2, strings.Count(chain, " => "))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(CodeBusiness, "rule violated", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "E101")
	assert.Contains(t, err.Error(), "boom")
}
