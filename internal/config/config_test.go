package config

import (
	"testing"
)

func TestDefault_Values(t *testing.T) {
	c := Default()
	if c == nil {
		t.Fatal("Default() returned nil")
	}
	if c.Market.PriceMethod != "hybrid" {
		t.Errorf("Market.PriceMethod = %v, want hybrid", c.Market.PriceMethod)
	}
	if c.Market.InputPriceModifier != 1 || c.Market.OutputPriceModifier != 1 {
		t.Errorf("price modifiers = %v/%v, want 1/1", c.Market.InputPriceModifier, c.Market.OutputPriceModifier)
	}
	if c.General.Opacity != 230 {
		t.Errorf("General.Opacity = %v, want 230", c.General.Opacity)
	}
	if c.General.WindowW != 800 || c.General.WindowH != 600 {
		t.Errorf("Window = %dx%d, want 800x600", c.General.WindowW, c.General.WindowH)
	}
	if len(c.Facilities) != 0 || len(c.Characters) != 0 {
		t.Errorf("Default() should start with no saved facilities/characters")
	}
}

func TestFacilityByID(t *testing.T) {
	c := Default()
	c.Facilities = append(c.Facilities, Facility{FacilityID: 42, Name: "Raitaru"})
	if got := c.FacilityByID(42); got == nil || got.Name != "Raitaru" {
		t.Fatalf("FacilityByID(42) = %+v", got)
	}
	if c.FacilityByID(99) != nil {
		t.Error("FacilityByID(99) should be nil")
	}
}
