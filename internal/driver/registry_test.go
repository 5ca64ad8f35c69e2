package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDriver is a minimal test double for the Driver interface.
type stubDriver struct {
	driverType DriverType
	healthy    bool
	caps       Capabilities
}

func (s *stubDriver) Type() DriverType          { return s.driverType }
func (s *stubDriver) Capabilities() Capabilities { return s.caps }
func (s *stubDriver) Spawn(ctx context.Context, cfg AgentConfig) (*AgentState, error) {
	return &AgentState{ID: cfg.ID, DriverType: s.driverType, ActivityState: StateIdle}, nil
}
func (s *stubDriver) GetState(agentID string) (*AgentState, error)       { return nil, ErrAgentNotFound }
func (s *stubDriver) Send(ctx context.Context, agentID, msg string) error { return nil }
func (s *stubDriver) Interrupt(ctx context.Context, agentID string) error { return nil }
func (s *stubDriver) Terminate(ctx context.Context, agentID string) error { return nil }
func (s *stubDriver) GetOutput(agentID string, limit int, since time.Time) ([]OutputLine, error) {
	return nil, nil
}
func (s *stubDriver) Subscribe(agentID string) (<-chan Event, error) { return nil, ErrAgentNotFound }
func (s *stubDriver) IsHealthy(ctx context.Context) bool             { return s.healthy }

func stubRegistration(t DriverType, healthy bool, caps Capabilities) (Registration, *int) {
	builds := 0
	return Registration{
		Factory: func() (Driver, error) {
			builds++
			return &stubDriver{driverType: t, healthy: healthy, caps: caps}, nil
		},
		Description:  "stub " + string(t),
		Capabilities: caps,
	}, &builds
}

func TestRegistry_GetDriverLazyAndCached(t *testing.T) {
	reg := NewRegistry(testLogger())
	registration, builds := stubRegistration(TypeAPI, true, Capabilities{})
	reg.Register(TypeAPI, registration)

	assert.Equal(t, 0, *builds, "factory must not run at registration time")

	d1, err := reg.GetDriver(TypeAPI)
	require.NoError(t, err)
	d2, err := reg.GetDriver(TypeAPI)
	require.NoError(t, err)

	assert.Same(t, d1, d2)
	assert.Equal(t, 1, *builds)
}

func TestRegistry_GetDriverUnknown(t *testing.T) {
	reg := NewRegistry(testLogger())
	_, err := reg.GetDriver(TypeTmux)
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestRegistry_ReRegisterDropsCachedInstance(t *testing.T) {
	reg := NewRegistry(testLogger())
	first, _ := stubRegistration(TypeAPI, true, Capabilities{})
	reg.Register(TypeAPI, first)

	d1, err := reg.GetDriver(TypeAPI)
	require.NoError(t, err)

	second, _ := stubRegistration(TypeAPI, true, Capabilities{Checkpoint: true})
	reg.Register(TypeAPI, second)

	d2, err := reg.GetDriver(TypeAPI)
	require.NoError(t, err)
	assert.NotSame(t, d1, d2)
}

func TestRegistry_TypesInRegistrationOrder(t *testing.T) {
	reg := NewRegistry(testLogger())
	for _, typ := range []DriverType{TypeNtm, TypeAPI, TypeTmux} {
		registration, _ := stubRegistration(typ, true, Capabilities{})
		reg.Register(typ, registration)
	}
	assert.Equal(t, []DriverType{TypeNtm, TypeAPI, TypeTmux}, reg.Types())
}

func TestRegistry_SelectDriverPreferred(t *testing.T) {
	reg := NewRegistry(testLogger())
	apiReg, _ := stubRegistration(TypeAPI, true, Capabilities{})
	tmuxReg, _ := stubRegistration(TypeTmux, true, Capabilities{TerminalAttach: true})
	reg.Register(TypeAPI, apiReg)
	reg.Register(TypeTmux, tmuxReg)

	d, err := reg.SelectDriver(context.Background(), Requirements{PreferredType: TypeTmux})
	require.NoError(t, err)
	assert.Equal(t, TypeTmux, d.Type())
}

func TestRegistry_SelectDriverDefaultsToAPI(t *testing.T) {
	reg := NewRegistry(testLogger())
	tmuxReg, _ := stubRegistration(TypeTmux, true, Capabilities{})
	apiReg, _ := stubRegistration(TypeAPI, true, Capabilities{})
	reg.Register(TypeTmux, tmuxReg) // registered first
	reg.Register(TypeAPI, apiReg)

	d, err := reg.SelectDriver(context.Background(), Requirements{})
	require.NoError(t, err)
	assert.Equal(t, TypeAPI, d.Type(), "the direct-API backend is the implicit default")
}

func TestRegistry_SelectDriverFallsBackWhenPreferredUnhealthy(t *testing.T) {
	reg := NewRegistry(testLogger())
	ntmReg, _ := stubRegistration(TypeNtm, false, Capabilities{})
	apiReg, _ := stubRegistration(TypeAPI, true, Capabilities{})
	reg.Register(TypeNtm, ntmReg)
	reg.Register(TypeAPI, apiReg)

	d, err := reg.SelectDriver(context.Background(), Requirements{PreferredType: TypeNtm})
	require.NoError(t, err)
	assert.Equal(t, TypeAPI, d.Type())
}

func TestRegistry_SelectDriverCapabilityGate(t *testing.T) {
	reg := NewRegistry(testLogger())
	apiReg, _ := stubRegistration(TypeAPI, true, Capabilities{Checkpoint: true})
	rpcReg, _ := stubRegistration(TypeRPC, true, Capabilities{Checkpoint: true, ToolCalls: true})
	reg.Register(TypeAPI, apiReg)
	reg.Register(TypeRPC, rpcReg)

	d, err := reg.SelectDriver(context.Background(), Requirements{
		Capabilities: Capabilities{ToolCalls: true},
	})
	require.NoError(t, err)
	assert.Equal(t, TypeRPC, d.Type())
}

func TestRegistry_SelectDriverNoneSuitable(t *testing.T) {
	reg := NewRegistry(testLogger())
	apiReg, _ := stubRegistration(TypeAPI, true, Capabilities{})
	reg.Register(TypeAPI, apiReg)

	_, err := reg.SelectDriver(context.Background(), Requirements{
		Capabilities: Capabilities{FileOperations: true},
	})
	assert.ErrorIs(t, err, ErrNoSuitableDriver)
}

func TestRegistry_CheckHealthOnlyInstantiated(t *testing.T) {
	reg := NewRegistry(testLogger())
	apiReg, _ := stubRegistration(TypeAPI, true, Capabilities{})
	tmuxReg, _ := stubRegistration(TypeTmux, false, Capabilities{})
	ntmReg, _ := stubRegistration(TypeNtm, true, Capabilities{})
	reg.Register(TypeAPI, apiReg)
	reg.Register(TypeTmux, tmuxReg)
	reg.Register(TypeNtm, ntmReg)

	_, err := reg.GetDriver(TypeAPI)
	require.NoError(t, err)
	_, err = reg.GetDriver(TypeTmux)
	require.NoError(t, err)

	results := reg.CheckHealth(context.Background())
	assert.Equal(t, map[DriverType]bool{TypeAPI: true, TypeTmux: false}, results)
}

func TestCapabilities_Satisfies(t *testing.T) {
	full := Capabilities{
		StructuredEvents: true, ToolCalls: true, FileOperations: true,
		TerminalAttach: true, DiffRendering: true, Checkpoint: true,
		Interrupt: true, Streaming: true,
	}
	assert.True(t, full.Satisfies(Capabilities{}))
	assert.True(t, full.Satisfies(Capabilities{ToolCalls: true, Streaming: true}))
	assert.True(t, Capabilities{}.Satisfies(Capabilities{}))
	assert.False(t, Capabilities{Streaming: true}.Satisfies(Capabilities{Checkpoint: true}))
}
