package costengine

import (
	"context"

	"forgeplan/internal/ferr"
)

// priceResult implements spec.md §4.4's depth-0-only pricing: input material
// cost, output value, job-install cost (EIV/JobGross/SCC/FacilityTax), and
// trading taxes, aggregated into total cost / profit / margin.
func (e *Engine) priceResult(ctx context.Context, p Params, result Result) (*Pricing, error) {
	if err := ctx.Err(); err != nil {
		return nil, ferr.Wrap(ferr.Cancelled, "pricing cancelled", err)
	}

	pricing := &Pricing{}

	// Input materials cost: price each rolled-up material line on the buy side.
	priced, total := 0, 0
	for typeID, qty := range result.Materials {
		total++
		if e.market == nil {
			continue
		}
		price, ok := e.market.Price(typeID, true, qty, 1)
		if !ok {
			continue
		}
		priced++
		pricing.MaterialsCost += price * float64(qty)
	}
	pricing.MaterialsPriced = priced
	pricing.MaterialsTotal = total
	if priced < total {
		pricing.Warning = "missing price for one or more materials"
	}

	// Output value: the product, priced on the sell side.
	if e.market != nil {
		if price, ok := e.market.Price(result.Product.TypeID, false, int64(result.Product.Quantity), 1); ok {
			pricing.OutputValue = price * float64(result.Product.Quantity)
		}
	}

	// EIV over the blueprint's own (unadjusted) base material lines.
	baseMaterials, err := e.sde.BlueprintMaterials(p.BPTypeID, activityManufacturing)
	if err != nil {
		return nil, ferr.Wrap(ferr.MissingPrice, "cannot compute EIV without base materials", err)
	}
	eiv := 0.0
	if e.adj != nil {
		for _, mat := range baseMaterials {
			if adjPrice, ok := e.adj.AdjustedPrice(mat.TypeID); ok {
				eiv += adjPrice * float64(mat.Quantity) * float64(p.Runs)
			}
		}
	}
	pricing.EIV = eiv

	jobBase := eiv
	if p.IsInvention {
		jobBase = 0.02 * eiv
	}
	pricing.JobBase = jobBase

	costIndex := 0.0
	haveIndex := false
	if e.costIdx != nil && p.Facility != nil {
		costIndex, haveIndex = e.costIdx.ManufacturingIndex(p.Facility.SystemID)
	}
	if !haveIndex {
		pricing.Warning = appendWarning(pricing.Warning, "missing system cost index")
	}

	structureBonus := 0.0
	if p.Facility.HasStructure() {
		structureBonus = e.sde.StructureCostBonus(p.Facility.StructureTypeID) / 100
	}
	rigCostBonus := 0.0
	if p.Facility != nil {
		if applies, bonus := e.rigBonusFor(p.Facility, result.Product.TypeID); applies {
			rigCostBonus = bonus / 100
		}
	}
	reduction := 1 - structureBonus - rigCostBonus
	if reduction < 0 {
		reduction = 0
	}

	pricing.JobGross = jobBase * costIndex * reduction
	pricing.SCC = jobBase * 0.04
	facilityTaxRate := 0.0
	if p.Facility != nil {
		facilityTaxRate = p.Facility.FacilityTaxRate
	}
	pricing.FacilityTax = jobBase * facilityTaxRate
	pricing.JobTotal = pricing.JobGross + pricing.SCC + pricing.FacilityTax

	materialBrokerFeeRate := 0.03 - 0.003*float64(p.BrokerRelationsLevel)
	if materialBrokerFeeRate < 0 {
		materialBrokerFeeRate = 0
	}
	effectiveSalesTaxRate := 0.075 * (1 - 0.11*float64(p.AccountingLevel))

	pricing.MaterialBrokerFee = materialBrokerFeeRate * pricing.MaterialsCost
	pricing.SalesTax = effectiveSalesTaxRate * pricing.OutputValue
	pricing.ProductBrokerFee = materialBrokerFeeRate * pricing.OutputValue

	pricing.TotalCost = pricing.MaterialsCost + pricing.JobTotal + pricing.MaterialBrokerFee + pricing.SalesTax + pricing.ProductBrokerFee
	pricing.Profit = pricing.OutputValue - pricing.TotalCost
	if pricing.OutputValue != 0 {
		pricing.ProfitMargin = pricing.Profit / pricing.OutputValue
	}

	return pricing, nil
}

func appendWarning(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "; " + add
}
