package session

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken("abc").Token(context.Background(), DefaultScope)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = StaticToken("").Token(context.Background(), DefaultScope)
	require.Error(t, err)
}

func TestStaticTokenFromEnv(t *testing.T) {
	t.Setenv("SESSIONFLOW_TEST_TOKEN", "from-env")

	tok, err := StaticToken("${SESSIONFLOW_TEST_TOKEN}").Token(context.Background(), DefaultScope)
	require.NoError(t, err)
	assert.Equal(t, "from-env", tok)
}

func TestCommandToken(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses echo")
	}

	tok, err := CommandToken{Command: "echo token-for {scope}"}.Token(context.Background(), "aud")
	require.NoError(t, err)
	assert.Equal(t, "token-for aud", tok)

	_, err = CommandToken{Command: "false"}.Token(context.Background(), "aud")
	require.Error(t, err)

	_, err = CommandToken{}.Token(context.Background(), "aud")
	require.Error(t, err)
}
