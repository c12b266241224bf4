package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMergePrefersPersistedMembership(t *testing.T) {
	persisted := &Config{
		ID:     "a",
		Pool:   map[string]string{"a": "127.0.0.1:1", "b": "127.0.0.1:2"},
		Active: []string{"a", "b"},
	}
	merged := Merge(persisted, Overrides{})
	require.Equal(t, "a", merged.ID)
	require.Equal(t, []string{"a", "b"}, merged.Active)
	require.Equal(t, 500*time.Millisecond, merged.MinPing)
}

func TestMergeCLIOverridesTuning(t *testing.T) {
	persisted := &Config{MinPing: time.Second}
	override := 250 * time.Millisecond
	merged := Merge(persisted, Overrides{MinPing: &override})
	require.Equal(t, 250*time.Millisecond, merged.MinPing)
}

func TestValidateRejectsActiveOutsidePool(t *testing.T) {
	c := Config{Pool: map[string]string{"a": "x"}, Active: []string{"a", "b"}, CompactionKeepSize: 1}
	require.Error(t, c.Validate())
}

func TestCopyIsIndependent(t *testing.T) {
	c := Config{Pool: map[string]string{"a": "x"}, Active: []string{"a"}}
	cp := c.Copy()
	cp.Pool["b"] = "y"
	require.NotContains(t, c.Pool, "b")
}
