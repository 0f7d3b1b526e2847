// Package casedef loads the read-only catalog of investigation cases.
//
// The catalog supplies what the save engine needs to know about a case
// without owning its content: the start location of a new game, the number of
// evidence items (for slot progress), witness starting trust and the number
// of verdict attempts. Narrative content is out of scope.
//
// Example file:
//
//	cases:
//	  - id: case_001
//	    title: "The Restricted Section"
//	    start_location: library
//	    locations: [library, dormitory, great_hall]
//	    evidence: [hidden_note, wand_signature, torn_page]
//	    verdict_attempts: 10
//	    witnesses:
//	      - id: hermione
//	        initial_trust: 60
package casedef

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownCase is returned when a case id is not in the catalog.
var ErrUnknownCase = errors.New("casedef: unknown case")

// File is the top-level structure of a case catalog YAML file.
type File struct {
	Cases []Case `yaml:"cases"`
}

// Case describes one investigation.
type Case struct {
	ID            string    `yaml:"id"`
	Title         string    `yaml:"title"`
	StartLocation string    `yaml:"start_location"`
	Locations     []string  `yaml:"locations"`
	Evidence      []string  `yaml:"evidence"`
	Witnesses     []Witness `yaml:"witnesses"`

	// VerdictAttempts overrides the configured default when positive.
	VerdictAttempts int `yaml:"verdict_attempts"`
}

// Witness is a witness the player can interrogate.
type Witness struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// InitialTrust overrides the configured default when set.
	InitialTrust *int `yaml:"initial_trust"`
}

// EvidenceTotal returns the number of evidence items in the case.
func (c *Case) EvidenceTotal() int { return len(c.Evidence) }

// WitnessTrust returns the starting trust of witnessID, or fallback when the
// case does not configure one.
func (c *Case) WitnessTrust(witnessID string, fallback int) int {
	for _, w := range c.Witnesses {
		if w.ID == witnessID && w.InitialTrust != nil {
			return *w.InitialTrust
		}
	}
	return fallback
}

// HasLocation reports whether locationID belongs to the case. A case that
// lists no locations accepts any.
func (c *Case) HasLocation(locationID string) bool {
	return len(c.Locations) == 0 || slices.Contains(c.Locations, locationID)
}

// Validate checks a case for required fields and internal consistency.
func (c *Case) Validate() error {
	var errs []error

	if c.ID == "" {
		errs = append(errs, errors.New("id must not be empty"))
	}
	if c.StartLocation == "" {
		errs = append(errs, errors.New("start_location must not be empty"))
	} else if !c.HasLocation(c.StartLocation) {
		errs = append(errs, fmt.Errorf("start_location %q is not among locations", c.StartLocation))
	}
	if c.VerdictAttempts < 0 {
		errs = append(errs, fmt.Errorf("verdict_attempts %d must not be negative", c.VerdictAttempts))
	}
	if dup := firstDuplicate(c.Locations); dup != "" {
		errs = append(errs, fmt.Errorf("location %q is listed twice", dup))
	}
	if dup := firstDuplicate(c.Evidence); dup != "" {
		errs = append(errs, fmt.Errorf("evidence %q is listed twice", dup))
	}

	ids := make([]string, 0, len(c.Witnesses))
	for i, w := range c.Witnesses {
		if w.ID == "" {
			errs = append(errs, fmt.Errorf("witnesses[%d]: id must not be empty", i))
		}
		if w.InitialTrust != nil && (*w.InitialTrust < 0 || *w.InitialTrust > 100) {
			errs = append(errs, fmt.Errorf("witnesses[%d]: initial_trust %d is out of range [0, 100]", i, *w.InitialTrust))
		}
		ids = append(ids, w.ID)
	}
	if dup := firstDuplicate(ids); dup != "" {
		errs = append(errs, fmt.Errorf("witness %q is listed twice", dup))
	}

	return errors.Join(errs...)
}

func firstDuplicate(vs []string) string {
	seen := make(map[string]struct{}, len(vs))
	for _, v := range vs {
		if _, ok := seen[v]; ok && v != "" {
			return v
		}
		seen[v] = struct{}{}
	}
	return ""
}

// Catalog is an immutable set of cases keyed by id. The zero value and nil
// are empty catalogs.
type Catalog struct {
	cases map[string]*Case
}

// NewCatalog validates cases and indexes them by id.
func NewCatalog(cases ...Case) (*Catalog, error) {
	c := &Catalog{cases: make(map[string]*Case, len(cases))}
	var errs []error
	for i := range cases {
		cs := cases[i]
		if err := cs.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("cases[%d] (%s): %w", i, cs.ID, err))
			continue
		}
		if _, dup := c.cases[cs.ID]; dup {
			errs = append(errs, fmt.Errorf("cases[%d]: id %q is a duplicate", i, cs.ID))
			continue
		}
		c.cases[cs.ID] = &cs
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// Get returns the case with id.
func (c *Catalog) Get(id string) (*Case, error) {
	if c != nil {
		if cs, ok := c.cases[id]; ok {
			return cs, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCase, id)
}

// IDs returns the case ids in sorted order.
func (c *Catalog) IDs() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.cases))
	for id := range c.cases {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// EvidenceTotal returns the evidence count of caseID, or zero for unknown
// cases.
func (c *Catalog) EvidenceTotal(caseID string) int {
	cs, err := c.Get(caseID)
	if err != nil {
		return 0
	}
	return cs.EvidenceTotal()
}

// LoadFromReader parses a catalog file from r. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("casedef: decode yaml: %w", err)
	}
	return &f, nil
}

// Load reads the catalog at path: a single YAML file, or a directory whose
// *.yaml and *.yml files are merged in name order.
func Load(path string) (*Catalog, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("casedef: %w", err)
	}

	files := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("casedef: read %q: %w", path, err)
		}
		files = files[:0]
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
	}

	var cases []Case
	for _, name := range files {
		f, err := loadFile(name)
		if err != nil {
			return nil, err
		}
		cases = append(cases, f.Cases...)
	}
	cat, err := NewCatalog(cases...)
	if err != nil {
		return nil, fmt.Errorf("casedef: %s: %w", path, err)
	}
	return cat, nil
}

func loadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("casedef: open %q: %w", path, err)
	}
	defer f.Close()

	cf, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("casedef: parse %q: %w", path, err)
	}
	return cf, nil
}
