package main

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/PolycarpusTack/papin/internal/config"
	"github.com/PolycarpusTack/papin/internal/endpoint"
	"github.com/PolycarpusTack/papin/internal/router"
)

func TestRequestFlagsDescriptor(t *testing.T) {
	f := requestFlags{model: "llama3", provider: "local", stream: true, timeout: time.Minute}
	desc, err := f.descriptor("hi")
	require.NoError(t, err)
	assert.Equal(t, "llama3", desc.ModelID)
	assert.Equal(t, router.Local, desc.ProviderOverride)
	assert.True(t, desc.Streaming)
	assert.WithinDuration(t, time.Now().Add(time.Minute), desc.Deadline, 5*time.Second)

	f = requestFlags{provider: "auto"}
	desc, err = f.descriptor("hi")
	require.NoError(t, err)
	assert.Empty(t, desc.ProviderOverride)
	assert.True(t, desc.Deadline.IsZero())

	f.provider = "cloud"
	_, err = f.descriptor("hi")
	assert.Error(t, err)
}

func TestVerifierFor(t *testing.T) {
	cfg := config.Default()
	assert.True(t, verifierFor(cfg, zerolog.Nop()).Verify("anything"))

	hash, err := endpoint.HashToken("secret", bcrypt.MinCost)
	require.NoError(t, err)
	cfg.Serve.TokenHashes = []string{hash}
	v := verifierFor(cfg, zerolog.Nop())
	assert.True(t, v.Verify("secret"))
	assert.False(t, v.Verify("anything"))
}

func TestNewResponder(t *testing.T) {
	cfg := config.Default()
	r, err := newResponder(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, endpoint.Echo{}, r)

	cfg.Serve.Responder = "ollama"
	r, err = newResponder(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, endpoint.BackendResponder{}, r)

	cfg.Serve.Responder = "oracle"
	_, err = newResponder(cfg, zerolog.Nop())
	assert.Error(t, err)
}
