// Package costengine implements the Blueprint Cost Engine: a recursive
// manufacturing-graph evaluator producing a rolled-up material bill,
// intermediate-component tree, and end-to-end priced cost (spec.md §4.4).
package costengine

import "forgeplan/internal/ferr"

// UseIntermediates controls recursion behavior at a node (spec.md §4.4 table).
type UseIntermediates string

const (
	UseRawMaterials UseIntermediates = "raw_materials"
	UseComponents   UseIntermediates = "components"
	UseBuy          UseIntermediates = "buy"
	UseBuildBuy     UseIntermediates = "build_buy" // reserved; treated as raw_materials
)

// ParseUseIntermediates defaults unknown/empty strings to raw_materials,
// per Open Question 2 (spec.md §9).
func ParseUseIntermediates(s string) UseIntermediates {
	switch UseIntermediates(s) {
	case UseRawMaterials, UseComponents, UseBuy, UseBuildBuy:
		return UseIntermediates(s)
	default:
		return UseRawMaterials
	}
}

// SecurityBand classifies a solar system's security status for rig
// applicability: <= 0.0 is null, (0.0, 0.5) is low, >= 0.5 is high.
type SecurityBand int

const (
	BandNull SecurityBand = iota
	BandLow
	BandHigh
)

func SecurityBandFor(security float64) SecurityBand {
	switch {
	case security >= 0.5:
		return BandHigh
	case security > 0.0:
		return BandLow
	default:
		return BandNull
	}
}

// Facility describes where a blueprint is run: its system (for cost index
// and security band), an optional structure (Upwell bonus), and any rigs
// fitted to it.
type Facility struct {
	FacilityID      int64
	SystemID        int32
	SystemSecurity  float64
	StructureTypeID int32 // 0 = NPC station, no structure bonus
	RigTypeIDs      []int32
	FacilityTaxRate float64 // default 0 for player structures
}

func (f *Facility) HasStructure() bool {
	return f != nil && f.StructureTypeID != 0
}

func (f *Facility) SecurityBand() SecurityBand {
	if f == nil {
		return BandHigh
	}
	return SecurityBandFor(f.SystemSecurity)
}

// MaterialLine is one raw-material requirement line from a blueprint activity.
type MaterialLine struct {
	TypeID   int32
	Quantity int32
}

// RigEffect is one rig's cost/material bonus, scoped to the product groups
// and security bands it applies to (attribute 2783 is the bonus key per
// spec.md §4.1).
type RigEffect struct {
	RigTypeID      int32
	AttributeID    int32
	Value          float64 // percent reduction, e.g. 2.0 for a 2% ME rig
	ApplicableTo   []int32 // product group IDs this rig affects
	ApplicableBand []SecurityBand
}

// Params is the input to Compute (spec.md §4.4's (bpTypeId, runs, meLevel,
// characterId?, facility?, useIntermediates, depth=0)).
type Params struct {
	BPTypeID             int32
	Runs                 int32
	Lines                int32 // defaults to 1
	MELevel              int32
	TELevel              int32
	CharacterID          int64 // 0 = unowned / no character context
	Facility             *Facility
	UseIntermediates      UseIntermediates
	Depth                int
	AccountingLevel      int32 // 0..5
	BrokerRelationsLevel int32 // 0..5
	IsInvention          bool
}

func (p Params) linesOrDefault() int32 {
	if p.Lines <= 0 {
		return 1
	}
	return p.Lines
}

// Product is the blueprint's output at this node.
type Product struct {
	TypeID       int32
	BaseQuantity int32
	Quantity     int32
}

// BreakdownRow records one blueprint node's own (non-recursed) material bill,
// for the nested breakdown spec.md asks for.
type BreakdownRow struct {
	BPTypeID  int32
	Depth     int
	Runs      int32
	Materials map[int32]int64
	IsBase    bool
}

// Pricing is the depth-0-only priced result (spec.md §4.4 "Pricing").
type Pricing struct {
	MaterialsCost      float64
	MaterialsPriced    int
	MaterialsTotal     int
	OutputValue        float64
	EIV                float64
	JobBase            float64
	JobGross           float64
	SCC                float64
	FacilityTax        float64
	JobTotal           float64
	MaterialBrokerFee  float64
	SalesTax           float64
	ProductBrokerFee   float64
	TotalCost          float64
	Profit             float64
	ProfitMargin       float64
	Warning            string
}

// Result is Compute's return value.
type Result struct {
	Materials  map[int32]int64
	Product    Product
	Breakdown  []BreakdownRow
	Pricing    *Pricing
	Warnings   []string
}

func (r Result) Clone() Result {
	out := Result{
		Product:  r.Product,
		Warnings: append([]string(nil), r.Warnings...),
	}
	if r.Materials != nil {
		out.Materials = make(map[int32]int64, len(r.Materials))
		for k, v := range r.Materials {
			out.Materials[k] = v
		}
	}
	if r.Breakdown != nil {
		out.Breakdown = make([]BreakdownRow, len(r.Breakdown))
		for i, row := range r.Breakdown {
			nr := row
			nr.Materials = make(map[int32]int64, len(row.Materials))
			for k, v := range row.Materials {
				nr.Materials[k] = v
			}
			out.Breakdown[i] = nr
		}
	}
	if r.Pricing != nil {
		p := *r.Pricing
		out.Pricing = &p
	}
	return out
}

// ErrBlueprintNotFound is returned (wrapped) when the SDE has no blueprint
// for the requested type.
func ErrBlueprintNotFound(bpTypeID int32) error {
	return ferr.New(ferr.BlueprintNotFound, "no blueprint found")
}
