package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VenkatGGG/nodepool/internal/config"
	"github.com/VenkatGGG/nodepool/internal/nodeclient"
	"github.com/VenkatGGG/nodepool/internal/pool"
)

func TestVersionCommandPrintsVersion(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, version+"\n", out.String())
}

func TestNewLoggerHonorsLevelAndFormat(t *testing.T) {
	var out bytes.Buffer
	logger := newLogger("warn", "json", &out)
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), `"service":"poold"`)

	assert.Equal(t, zerolog.InfoLevel, newLogger("bogus", "console", &out).GetLevel())
}

func TestBuildInfrastructure(t *testing.T) {
	cfg := config.Config{Infra: config.InfraStatic, StaticNodes: []string{"n1:1"}, UnitKind: string(nodeclient.KindNoop)}
	infra, err := buildInfrastructure(cfg, unitFactory(cfg))
	require.NoError(t, err)
	assert.IsType(t, &pool.StaticInfrastructure{}, infra)

	_, err = buildInfrastructure(config.Config{Infra: config.InfraStatic}, nil)
	assert.ErrorContains(t, err, "static infrastructure")

	_, err = buildInfrastructure(config.Config{Infra: "cloud"}, nil)
	assert.ErrorContains(t, err, `unknown infrastructure "cloud"`)
}

func TestUnitFactoryUsesConfiguredKind(t *testing.T) {
	unit, err := unitFactory(config.Config{UnitKind: string(nodeclient.KindNoop)})("n1:1")
	require.NoError(t, err)
	assert.IsType(t, &nodeclient.NoopUnit{}, unit)

	_, err = unitFactory(config.Config{UnitKind: "carrier-pigeon"})("n1:1")
	assert.ErrorIs(t, err, nodeclient.ErrUnknownKind)
}

func TestBuildPolicy(t *testing.T) {
	p := buildPolicy(config.Config{Policy: config.PolicyStatic, Infra: config.InfraStatic}, nil)
	assert.Equal(t, pool.StaticPolicy{All: true}, p)

	p = buildPolicy(config.Config{Policy: config.PolicyStatic, Infra: config.InfraDocker, TargetFree: 3, NodeGroup: "g"}, nil)
	assert.Equal(t, pool.StaticPolicy{Count: 3, Group: "g"}, p)

	p = buildPolicy(config.Config{Policy: config.PolicyReconcile, TargetFree: 2}, nil)
	assert.IsType(t, &pool.ReconcilePolicy{}, p)
}

func TestBuildRegistryWithoutBackends(t *testing.T) {
	registry, closeRegistry, err := buildRegistry(context.Background(), config.Config{})
	require.NoError(t, err)
	defer closeRegistry()

	multi, ok := registry.(pool.MultiRegistry)
	require.True(t, ok)
	assert.Len(t, multi, 1)
}

func TestBuildRegistryFailsOnUnreachableRedis(t *testing.T) {
	_, _, err := buildRegistry(context.Background(), config.Config{RedisAddr: "127.0.0.1:1"})
	assert.ErrorContains(t, err, "connect redis")
}
