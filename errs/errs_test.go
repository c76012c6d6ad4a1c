package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	err := New("session/order", CodeBadOrder, WithMessage("pedido inválido"))
	require.Equal(t, `scope=session/order code=bad_order message="pedido inválido"`, err.Error())
}

func TestErrorStringDefaults(t *testing.T) {
	err := New("", "")
	require.Equal(t, "scope=proxy code=unknown", err.Error())
}

func TestErrorCarriesCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := New("upstream/link", CodeUpstreamLost, WithMessage("conexão perdida"), WithCause(cause))

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "dial tcp: refused")
}

func TestCodeOf(t *testing.T) {
	err := New("upstream/send", CodeNotReady)
	require.Equal(t, CodeNotReady, CodeOf(err))

	wrapped := fmt.Errorf("while flushing: %w", err)
	require.Equal(t, CodeNotReady, CodeOf(wrapped))

	require.Equal(t, Code(""), CodeOf(errors.New("plain")))
	require.Equal(t, Code(""), CodeOf(nil))
}

func TestUserMessage(t *testing.T) {
	err := New("assets/resolve", CodeUnknownAsset, WithMessage("Ativo desconhecido: XYZ"))
	require.Equal(t, "Ativo desconhecido: XYZ", UserMessage(err))

	wrapped := fmt.Errorf("handling subscribe: %w", err)
	require.Equal(t, "Ativo desconhecido: XYZ", UserMessage(wrapped))
}

func TestUserMessageFallsBackToError(t *testing.T) {
	plain := errors.New("boom")
	require.Equal(t, "boom", UserMessage(plain))

	// An envelope without a message defers to its cause.
	err := New("upstream/link", CodeUpstreamLost, WithCause(plain))
	require.Equal(t, "boom", UserMessage(err))
}

func TestMessageTrimmed(t *testing.T) {
	err := New(" session ", CodeInvalid, WithMessage("  spaced  "))
	require.Equal(t, "spaced", err.Message)
	require.Equal(t, "session", err.Scope)
}
