// Package ontology loads the declarative extraction rulesets: per-domain
// catalogues of entity and relation types plus prompt guidance. Rulesets are
// YAML documents; the built-in ones are embedded and an on-disk directory
// can add or override rulesets at startup. A loaded Catalog is read-only.
package ontology

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed defaults/*.yaml
var defaultsFS embed.FS

// OtherEntityType is the fallback for entity type strings not declared by
// the active ruleset.
const OtherEntityType = "Other"

// FallbackRelationType is the fallback for malformed relation type strings.
const FallbackRelationType = "RELATED_TO"

// baseRelationTypes is the vocabulary accepted by every ruleset in addition
// to its own declared types.
var baseRelationTypes = []string{
	"RELATED_TO",
	"PART_OF",
	"LOCATED_IN",
	"WORKS_FOR",
	"MEMBER_OF",
	"CREATED_BY",
	"REFERENCES",
	"DEPENDS_ON",
}

// wellFormedRelationType matches normalized relation types that pass through
// even when undeclared: pure uppercase letters and underscores.
var wellFormedRelationType = regexp.MustCompile(`^[A-Z][A-Z_]*$`)

// TypeSpec declares one entity or relation type.
type TypeSpec struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Ontology is one loaded extraction ruleset.
type Ontology struct {
	Name          string     `yaml:"name"`
	Description   string     `yaml:"description"`
	EntityTypes   []TypeSpec `yaml:"entity_types"`
	RelationTypes []TypeSpec `yaml:"relation_types"`
	Guidance      string     `yaml:"guidance"`

	entityTypeIndex   map[string]string // lower(name) -> canonical name
	relationTypeIndex map[string]bool   // normalized name -> declared
}

func (o *Ontology) buildIndexes() {
	o.entityTypeIndex = make(map[string]string, len(o.EntityTypes))
	for _, t := range o.EntityTypes {
		o.entityTypeIndex[strings.ToLower(t.Name)] = t.Name
	}
	o.relationTypeIndex = make(map[string]bool, len(o.RelationTypes)+len(baseRelationTypes))
	for _, t := range o.RelationTypes {
		o.relationTypeIndex[NormalizeRelationType(t.Name)] = true
	}
	for _, t := range baseRelationTypes {
		o.relationTypeIndex[t] = true
	}
}

// ResolveEntityType maps a raw extracted entity type onto the ruleset's
// closed vocabulary, falling back to Other for unknown strings.
func (o *Ontology) ResolveEntityType(raw string) string {
	if canonical, ok := o.entityTypeIndex[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return canonical
	}
	return OtherEntityType
}

// ResolveRelationType normalizes a raw extracted relation type and validates
// it against the ruleset's declared types plus the base vocabulary. Unknown
// but well-formed types pass through; malformed ones fall back to RELATED_TO.
func (o *Ontology) ResolveRelationType(raw string) string {
	normalized := NormalizeRelationType(raw)
	if normalized == "" {
		return FallbackRelationType
	}
	if o.relationTypeIndex[normalized] {
		return normalized
	}
	if wellFormedRelationType.MatchString(normalized) {
		return normalized
	}
	return FallbackRelationType
}

// NormalizeRelationType uppercases a relation type and collapses separators
// to underscores.
func NormalizeRelationType(raw string) string {
	s := strings.TrimSpace(strings.ToUpper(raw))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

// EntityTypeNames returns the declared entity type names in declaration order.
func (o *Ontology) EntityTypeNames() []string {
	names := make([]string, len(o.EntityTypes))
	for i, t := range o.EntityTypes {
		names[i] = t.Name
	}
	return names
}

// RelationTypeNames returns the declared relation type names in declaration order.
func (o *Ontology) RelationTypeNames() []string {
	names := make([]string, len(o.RelationTypes))
	for i, t := range o.RelationTypes {
		names[i] = NormalizeRelationType(t.Name)
	}
	return names
}

// Catalog holds every loaded ruleset, keyed by name.
type Catalog struct {
	ontologies map[string]*Ontology
}

// Load parses the embedded default rulesets and then any *.yaml files in
// overrideDir (which may be empty). On-disk rulesets with the same name
// replace embedded ones.
func Load(overrideDir string) (*Catalog, error) {
	catalog := &Catalog{ontologies: map[string]*Ontology{}}

	entries, err := fs.ReadDir(defaultsFS, "defaults")
	if err != nil {
		return nil, fmt.Errorf("ontology: read embedded defaults: %w", err)
	}
	for _, entry := range entries {
		data, err := defaultsFS.ReadFile("defaults/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("ontology: read %s: %w", entry.Name(), err)
		}
		if err := catalog.add(data, entry.Name()); err != nil {
			return nil, err
		}
	}

	if overrideDir != "" {
		files, err := filepath.Glob(filepath.Join(overrideDir, "*.yaml"))
		if err != nil {
			return nil, fmt.Errorf("ontology: scan %s: %w", overrideDir, err)
		}
		sort.Strings(files)
		for _, file := range files {
			data, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("ontology: read %s: %w", file, err)
			}
			if err := catalog.add(data, file); err != nil {
				return nil, err
			}
		}
	}
	return catalog, nil
}

func (c *Catalog) add(data []byte, source string) error {
	var o Ontology
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("ontology: parse %s: %w", source, err)
	}
	if strings.TrimSpace(o.Name) == "" {
		return fmt.Errorf("ontology: %s has no name", source)
	}
	o.buildIndexes()
	c.ontologies[o.Name] = &o
	return nil
}

// Get returns the named ruleset, or nil when absent.
func (c *Catalog) Get(name string) *Ontology {
	return c.ontologies[name]
}

// Names returns the loaded ruleset names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.ontologies))
	for name := range c.ontologies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
