package sde

import (
	"forgeplan/internal/costengine"
)

// Reader adapts *Data to costengine.SDEReader (spec.md §4.1's SDE Reader
// contract), the shape every cost-engine call actually depends on.
type Reader struct {
	data *Data
}

// NewReader wraps a loaded SDE snapshot for cost-engine consumption.
func NewReader(data *Data) *Reader {
	return &Reader{data: data}
}

func (r *Reader) BlueprintMaterials(bpTypeID int32, activityID int) ([]costengine.MaterialLine, error) {
	bp, ok := r.data.Industry.Blueprints[bpTypeID]
	if !ok {
		return nil, ErrNoBlueprint(bpTypeID)
	}
	act := activityName(activityID)
	var src []BlueprintMaterial
	if data, ok := bp.Activities[act]; ok {
		src = data.Materials
	} else {
		src = bp.Materials
	}
	out := make([]costengine.MaterialLine, len(src))
	for i, m := range src {
		out[i] = costengine.MaterialLine{TypeID: m.TypeID, Quantity: m.Quantity}
	}
	return out, nil
}

func (r *Reader) BlueprintProduct(bpTypeID int32, activityID int) (int32, int32, bool) {
	bp, ok := r.data.Industry.Blueprints[bpTypeID]
	if !ok {
		return 0, 0, false
	}
	act := activityName(activityID)
	if data, ok := bp.Activities[act]; ok && len(data.Products) > 0 {
		qty := data.Products[0].Quantity
		if qty == 0 {
			qty = 1
		}
		return data.Products[0].TypeID, qty, true
	}
	if bp.ProductTypeID == 0 {
		return 0, 0, false
	}
	return bp.ProductTypeID, bp.ProductQuantity, true
}

func (r *Reader) BlueprintForProduct(productTypeID int32) (int32, bool) {
	bpID, ok := r.data.Industry.ProductToBlueprint[productTypeID]
	return bpID, ok
}

func (r *Reader) TypeName(typeID int32) string {
	if t, ok := r.data.Types[typeID]; ok {
		return t.Name
	}
	return ""
}

func (r *Reader) GroupID(typeID int32) int32 {
	if t, ok := r.data.Types[typeID]; ok {
		return t.GroupID
	}
	return 0
}

func (r *Reader) RigEffects(rigTypeID int32) []costengine.RigEffect {
	return r.data.Industry.RigEffects(rigTypeID)
}

func (r *Reader) StructureCostBonus(structureTypeID int32) float64 {
	return r.data.Industry.StructureCostBonus(structureTypeID)
}

func activityName(activityID int) string {
	switch activityID {
	case 8:
		return "invention"
	case 11:
		return "reaction"
	default:
		return "manufacturing"
	}
}

// ErrNoBlueprint reports a missing blueprint without importing ferr here,
// keeping package sde free of the error-kind taxonomy; callers wrap it with
// ferr.BlueprintNotFound (the cost engine already does this at its boundary).
type noBlueprintError struct{ bpTypeID int32 }

func (e *noBlueprintError) Error() string { return "sde: no blueprint for type" }

func ErrNoBlueprint(bpTypeID int32) error { return &noBlueprintError{bpTypeID: bpTypeID} }
