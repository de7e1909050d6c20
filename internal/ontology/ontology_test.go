package ontology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_EmbeddedDefaults(t *testing.T) {
	catalog, err := Load("")
	require.NoError(t, err)
	require.Contains(t, catalog.Names(), "general")
	require.Contains(t, catalog.Names(), "legal")
	require.Nil(t, catalog.Get("no-such-ruleset"))
}

func TestLoad_OverrideDirectoryWins(t *testing.T) {
	dir := t.TempDir()
	override := `
name: general
description: replaced
entity_types:
  - name: Widget
relation_types:
  - name: CONNECTS_TO
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "general.yaml"), []byte(override), 0o644))

	catalog, err := Load(dir)
	require.NoError(t, err)
	o := catalog.Get("general")
	require.NotNil(t, o)
	require.Equal(t, "replaced", o.Description)
	require.Equal(t, []string{"Widget"}, o.EntityTypeNames())
}

func TestResolveEntityType(t *testing.T) {
	catalog, err := Load("")
	require.NoError(t, err)
	o := catalog.Get("general")

	require.Equal(t, "Person", o.ResolveEntityType("person"))
	require.Equal(t, "Organization", o.ResolveEntityType(" ORGANIZATION "))
	require.Equal(t, OtherEntityType, o.ResolveEntityType("Spaceship"))
	require.Equal(t, OtherEntityType, o.ResolveEntityType(""))
}

func TestResolveRelationType(t *testing.T) {
	catalog, err := Load("")
	require.NoError(t, err)
	o := catalog.Get("general")

	// Declared types normalize and match.
	require.Equal(t, "PART_OF", o.ResolveRelationType("part of"))
	require.Equal(t, "WORKS_FOR", o.ResolveRelationType("works-for"))
	// Base vocabulary is always accepted.
	require.Equal(t, "DEPENDS_ON", o.ResolveRelationType("DEPENDS_ON"))
	// Unknown but well-formed passes through.
	require.Equal(t, "MARRIED_TO", o.ResolveRelationType("married to"))
	// Malformed falls back.
	require.Equal(t, FallbackRelationType, o.ResolveRelationType("has 3 wheels!"))
	require.Equal(t, FallbackRelationType, o.ResolveRelationType(""))
}

func TestNormalizeRelationType(t *testing.T) {
	require.Equal(t, "IS_PART_OF", NormalizeRelationType("  is part-of "))
	require.Equal(t, "A_B", NormalizeRelationType("a__b"))
	require.Equal(t, "X", NormalizeRelationType("_x_"))
}
