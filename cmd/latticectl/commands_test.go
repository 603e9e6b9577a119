package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/lattice/internal/identity"
	"github.com/danmuck/lattice/internal/protocol/wire"
	"github.com/danmuck/lattice/internal/testutil/testlog"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func field(t *testing.T, out, name string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, name+":"); ok {
			return strings.TrimSpace(v)
		}
	}
	t.Fatalf("no %q in output:\n%s", name, out)
	return ""
}

func TestParsePairs(t *testing.T) {
	testlog.Start(t)

	got, err := parsePairs([]string{"URL=redis://a:1/0", "mode=", " x =y=z"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"URL": "redis://a:1/0", "mode": "", "x": "y=z"}, got)

	got, err = parsePairs(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parsePairs([]string{"novalue"})
	assert.Error(t, err)
	_, err = parsePairs([]string{"=v"})
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	testlog.Start(t)

	k, err := parseKind("Provider")
	require.NoError(t, err)
	assert.Equal(t, identity.KindProvider, k)

	_, err = parseKind("server")
	assert.ErrorIs(t, err, identity.ErrInvalidKind)
}

func TestPrintHosts(t *testing.T) {
	testlog.Start(t)

	var out bytes.Buffer
	require.NoError(t, printHosts(&out, []wire.Heartbeat{{
		HostID:   "NHOST",
		Interval: 15 * time.Second,
		Labels:   map[string]string{"zone": "a", "role": "edge"},
		Actors:   []wire.ActorRecord{{ActorID: "MA", Count: 1}},
	}}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "HOST"))
	assert.Contains(t, lines[1], "NHOST")
	assert.Contains(t, lines[1], "role=edge,zone=a")
	assert.Contains(t, lines[1], "15s")
}

func TestClientCommandsNeedSharedBus(t *testing.T) {
	testlog.Start(t)
	_, err := run(t, "inventory", "NHOST")
	assert.ErrorIs(t, err, errClientBus)
}

func TestKeysGenerate(t *testing.T) {
	testlog.Start(t)

	out, err := run(t, "keys", "generate", "--kind", "host")
	require.NoError(t, err)
	kp, err := identity.FromSeed(field(t, out, "seed"))
	require.NoError(t, err)
	assert.Equal(t, identity.KindHost, kp.Kind())
	assert.Equal(t, kp.Public().String(), field(t, out, "public"))
}

func TestClaimsSignAndInspect(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	issuer, err := identity.Generate(identity.KindAccount)
	require.NoError(t, err)

	module := filepath.Join(dir, "echo.wasm")
	require.NoError(t, os.WriteFile(module, []byte("\x00asm\x01\x00\x00\x00"), 0o644))
	out, err := run(t, "claims", "sign", module,
		"--issuer-seed", issuer.Seed(),
		"--name", "echo",
		"--cap", "wasmcloud:keyvalue",
		"--expires", "24h",
	)
	require.NoError(t, err)
	signed := field(t, out, "module")
	assert.Equal(t, filepath.Join(dir, "echo_s.wasm"), signed)
	actorID := field(t, out, "actor")

	out, err = run(t, "claims", "inspect", signed)
	require.NoError(t, err)
	assert.Equal(t, actorID, field(t, out, "subject"))
	assert.Equal(t, issuer.Public().String(), field(t, out, "issuer"))
	assert.Equal(t, "wasmcloud:keyvalue", field(t, out, "caps"))

	binary := filepath.Join(dir, "kv")
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o755))
	out, err = run(t, "claims", "provider", binary,
		"--issuer-seed", issuer.Seed(),
		"--contract", "wasmcloud:keyvalue",
	)
	require.NoError(t, err)
	assert.Equal(t, binary+".jwt", field(t, out, "claims"))

	out, err = run(t, "claims", "inspect", binary+".jwt")
	require.NoError(t, err)
	assert.Equal(t, "wasmcloud:keyvalue", field(t, out, "contract"))
}

func TestClaimsSignRejectsNonIssuer(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	hostKey, err := identity.Generate(identity.KindHost)
	require.NoError(t, err)
	module := filepath.Join(dir, "echo.wasm")
	require.NoError(t, os.WriteFile(module, []byte("\x00asm\x01\x00\x00\x00"), 0o644))

	_, err = run(t, "claims", "sign", module, "--issuer-seed", hostKey.Seed())
	assert.Error(t, err)
}
