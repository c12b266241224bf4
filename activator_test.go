package agency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sumimakito/agency/config"
	"github.com/sumimakito/agency/transport"
)

func TestNextAgentInLineRoundRobinsOverSpares(t *testing.T) {
	net := transport.NewMemoryNetwork(1)
	a := newTestAgent(t, "a", []string{"a"}, net)
	cfg := config.Config{
		Pool:   map[string]string{"a": "a", "b": "b", "c": "c", "d": "d"},
		Active: []string{"a"},
	}

	first, ok := a.activator.nextAgentInLine(cfg)
	require.True(t, ok)
	second, ok := a.activator.nextAgentInLine(cfg)
	require.True(t, ok)
	third, ok := a.activator.nextAgentInLine(cfg)
	require.True(t, ok)

	require.ElementsMatch(t, []string{"b", "c", "d"}, []string{first, second, third})
	require.NotEqual(t, first, second)
	require.NotEqual(t, second, third)

	// Round-robin wraps back to the first spare on the fourth call.
	fourth, ok := a.activator.nextAgentInLine(cfg)
	require.True(t, ok)
	require.Equal(t, first, fourth)
}

func TestNextAgentInLineReturnsFalseWhenPoolExhausted(t *testing.T) {
	net := transport.NewMemoryNetwork(1)
	a := newTestAgent(t, "a", []string{"a"}, net)
	cfg := config.Config{
		Pool:   map[string]string{"a": "a"},
		Active: []string{"a"},
	}
	_, ok := a.activator.nextAgentInLine(cfg)
	require.False(t, ok)
}

func TestPromoteClearsTaskAfterFailedCatchUp(t *testing.T) {
	net := transport.NewMemoryNetwork(1)
	ids := []string{"a", "b"}
	a := newTestAgent(t, "a", ids, net)
	b := newTestAgent(t, "b", ids, net)

	a.cfgMu.Lock()
	a.cfg.Pool["spare"] = "spare"
	a.cfgMu.Unlock()
	a.cst.TriggerElection()
	a.Start()
	b.Start()

	// No node named "spare" is registered on the network, so catchUp
	// will fail and promote should clear activatorTask rather than leave it stuck,
	// letting a second detection pass retry.
	a.activator.promote("b")
	require.Eventually(t, func() bool {
		a.activatorLock.Lock()
		defer a.activatorLock.Unlock()
		return a.activatorTask == nil
	}, time.Second, 5*time.Millisecond)
}
