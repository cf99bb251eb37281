/*
Package masterdata implements the ledger's Master-Data Gateway over a
YAML catalog file.

CATALOG FORMAT:

	purity_tolerance: 2.0
	warehouses:
	  - {id: WH-1, name: Humera, type: DGT}
	companies:
	  - {id: DGT, name: DGT Trading, internal: true}
	seed_types:
	  - id: ST-1
	    symbol: WHGSS
	    name: Whitish Humera Gonder Sesame Seed
	    purity_tolerance: 1.5
	    grades:
	      - {grade: "1", min_purity: 99}
	      - {grade: "2", min_purity: 97, max_purity: 98.99}

RULES:
  - seed type symbols are unique; partitions address seed types by symbol
  - only warehouses of type DGT accept intakes
  - unknown fields are rejected when loading
*/
package masterdata

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/dgt/seed-ledger/ledger"
)

// WarehouseTypeDGT marks warehouses operated by the ledger owner.
const WarehouseTypeDGT = "DGT"

type Warehouse struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

type Company struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Internal bool   `yaml:"internal"`
}

type Grade struct {
	Grade     string   `yaml:"grade"`
	MinPurity float64  `yaml:"min_purity"`
	MaxPurity *float64 `yaml:"max_purity,omitempty"`
}

type SeedType struct {
	ID              string   `yaml:"id"`
	Symbol          string   `yaml:"symbol"`
	Name            string   `yaml:"name"`
	PurityTolerance *float64 `yaml:"purity_tolerance,omitempty"`
	Grades          []Grade  `yaml:"grades"`
}

// File is the on-disk catalog document.
type File struct {
	PurityTolerance *float64    `yaml:"purity_tolerance,omitempty"`
	Warehouses      []Warehouse `yaml:"warehouses"`
	Companies       []Company   `yaml:"companies"`
	SeedTypes       []SeedType  `yaml:"seed_types"`
}

// Catalog is an immutable, indexed view of a File. It implements
// ledger.MasterData.
type Catalog struct {
	tolerance  decimal.NullDecimal
	warehouses map[string]Warehouse
	companies  map[string]Company
	bySymbol   map[string]ledger.SeedType
	byID       map[string]ledger.SeedType
}

// Load reads and indexes the catalog at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read master data %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("master data %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a catalog document strictly.
func Parse(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return New(f)
}

// New indexes f, rejecting duplicate identifiers and malformed grades.
func New(f File) (*Catalog, error) {
	c := &Catalog{
		warehouses: make(map[string]Warehouse, len(f.Warehouses)),
		companies:  make(map[string]Company, len(f.Companies)),
		bySymbol:   make(map[string]ledger.SeedType, len(f.SeedTypes)),
		byID:       make(map[string]ledger.SeedType, len(f.SeedTypes)),
	}
	if f.PurityTolerance != nil {
		if *f.PurityTolerance <= 0 {
			return nil, fmt.Errorf("purity_tolerance must be positive")
		}
		c.tolerance = decimal.NewNullDecimal(decimal.NewFromFloat(*f.PurityTolerance))
	}
	for _, w := range f.Warehouses {
		if w.ID == "" {
			return nil, fmt.Errorf("warehouse without id")
		}
		if _, dup := c.warehouses[w.ID]; dup {
			return nil, fmt.Errorf("duplicate warehouse %q", w.ID)
		}
		c.warehouses[w.ID] = w
	}
	for _, co := range f.Companies {
		if co.ID == "" {
			return nil, fmt.Errorf("company without id")
		}
		if _, dup := c.companies[co.ID]; dup {
			return nil, fmt.Errorf("duplicate company %q", co.ID)
		}
		c.companies[co.ID] = co
	}
	for _, st := range f.SeedTypes {
		seed, err := toSeedType(st)
		if err != nil {
			return nil, err
		}
		if _, dup := c.bySymbol[seed.Symbol]; dup {
			return nil, fmt.Errorf("duplicate seed type symbol %q", seed.Symbol)
		}
		if _, dup := c.byID[seed.ID]; dup {
			return nil, fmt.Errorf("duplicate seed type id %q", seed.ID)
		}
		c.bySymbol[seed.Symbol] = seed
		c.byID[seed.ID] = seed
	}
	return c, nil
}

func toSeedType(st SeedType) (ledger.SeedType, error) {
	if st.ID == "" || st.Symbol == "" {
		return ledger.SeedType{}, fmt.Errorf("seed type needs id and symbol")
	}
	out := ledger.SeedType{ID: st.ID, Symbol: st.Symbol, Name: st.Name}
	if st.PurityTolerance != nil {
		if *st.PurityTolerance <= 0 {
			return ledger.SeedType{}, fmt.Errorf("seed type %s: purity_tolerance must be positive", st.Symbol)
		}
		out.PurityTolerance = decimal.NewNullDecimal(decimal.NewFromFloat(*st.PurityTolerance))
	}
	for _, g := range st.Grades {
		if strings.TrimSpace(g.Grade) == "" {
			return ledger.SeedType{}, fmt.Errorf("seed type %s: grade without label", st.Symbol)
		}
		rule := ledger.GradeRule{Grade: g.Grade, MinPurity: decimal.NewFromFloat(g.MinPurity)}
		if g.MaxPurity != nil {
			if *g.MaxPurity < g.MinPurity {
				return ledger.SeedType{}, fmt.Errorf("seed type %s grade %s: max_purity below min_purity", st.Symbol, g.Grade)
			}
			rule.MaxPurity = decimal.NewNullDecimal(decimal.NewFromFloat(*g.MaxPurity))
		}
		out.Grades = append(out.Grades, rule)
	}
	sort.SliceStable(out.Grades, func(i, j int) bool {
		return out.Grades[i].MinPurity.LessThan(out.Grades[j].MinPurity)
	})
	return out, nil
}

// =============================================================================
// ledger.MasterData
// =============================================================================

func (c *Catalog) LookupSeedType(_ context.Context, symbol string) (ledger.SeedType, error) {
	st, ok := c.bySymbol[symbol]
	if !ok {
		return ledger.SeedType{}, &ledger.NotFoundError{Entity: "seed type", ID: symbol}
	}
	return st, nil
}

func (c *Catalog) LookupSeedTypeByID(_ context.Context, id string) (ledger.SeedType, error) {
	st, ok := c.byID[id]
	if !ok {
		return ledger.SeedType{}, &ledger.NotFoundError{Entity: "seed type", ID: id}
	}
	return st, nil
}

// ValidateWarehouse reports whether id is a known DGT warehouse.
func (c *Catalog) ValidateWarehouse(_ context.Context, id string) (bool, error) {
	w, ok := c.warehouses[id]
	return ok && strings.EqualFold(w.Type, WarehouseTypeDGT), nil
}

// IsInternalParty reports whether id is a company whose stock the ledger tracks.
func (c *Catalog) IsInternalParty(_ context.Context, id string) (bool, error) {
	co, ok := c.companies[id]
	return ok && co.Internal, nil
}

// PurityTolerance returns the catalog-wide bucket band, if set.
func (c *Catalog) PurityTolerance() (decimal.Decimal, bool) {
	return c.tolerance.Decimal, c.tolerance.Valid
}

// Symbols lists seed type symbols in sorted order.
func (c *Catalog) Symbols() []string {
	out := make([]string, 0, len(c.bySymbol))
	for s := range c.bySymbol {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
