package phase_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexuscore/nexuscore/internal/core"
	"github.com/nexuscore/nexuscore/internal/phase"
)

func TestMachine_OrchestratorTransitionsAnywhere(t *testing.T) {
	m := phase.New()
	require.NoError(t, m.Allow(core.RoleOrchestrator, core.PhaseChat, core.PhaseVerification))
}

func TestMachine_WorkerOnlyAdvancesOneStep(t *testing.T) {
	m := phase.New()
	require.NoError(t, m.Allow(core.RoleWorker, core.PhasePlan, core.PhaseExecute))
	require.Error(t, m.Allow(core.RoleWorker, core.PhasePlan, core.PhaseVerification))
}

func TestMachine_AnyRoleMayRecoverToChat(t *testing.T) {
	m := phase.New()
	require.NoError(t, m.Allow(core.RoleWorker, core.PhaseExecute, core.PhaseChat))
	require.NoError(t, m.Allow(core.RoleAuditor, core.PhaseReflection, core.PhaseChat))
}

func TestMachine_RejectsSamePhase(t *testing.T) {
	m := phase.New()
	require.Error(t, m.Allow(core.RoleOrchestrator, core.PhaseChat, core.PhaseChat))
}

func TestMachine_RejectsLastPhaseAdvance(t *testing.T) {
	m := phase.New()
	require.Error(t, m.Allow(core.RoleWorker, core.PhaseReflection, core.PhaseExecute))
}
