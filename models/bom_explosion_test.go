package models

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/mes_backend/utils"
)

// NOTE: These tests are intentionally DB-free. The resolver closure stands
// in for the catalog; explosion and BOM selection are pure over it.

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func submittedBOM(id int, outputItem string, baseQty string, isDefault bool, lines ...BOMLine) *BOM {
	def := utils.NewFalse()
	if isDefault {
		def = utils.NewTrue()
	}
	return &BOM{
		ID:             id,
		OutputItemCode: outputItem,
		BaseOutputQty:  dec(baseQty),
		IsActive:       utils.NewTrue(),
		IsDefault:      def,
		CurrentStatus:  BomStatusSubmitted,
		Lines:          lines,
	}
}

func line(itemCode string, qty string) BOMLine {
	return BOMLine{ItemCode: itemCode, Qty: dec(qty), Uom: "Unit"}
}

func resolverFor(boms ...*BOM) func(string) (*BOM, error) {
	byItem := map[string]*BOM{}
	for _, b := range boms {
		byItem[b.OutputItemCode] = b
	}
	return func(itemCode string) (*BOM, error) {
		if b, ok := byItem[itemCode]; ok {
			return b, nil
		}
		return nil, &NoActiveBomError{ItemCode: itemCode}
	}
}

func componentMap(components []BomComponent) map[string]string {
	out := map[string]string{}
	for _, c := range components {
		out[c.ItemCode] = c.Qty.String()
	}
	return out
}

func TestSelectBOM_DesignatedDefaultWins(t *testing.T) {
	older := submittedBOM(1, "CAKE", "1", false, line("FLOUR", "2"))
	designated := submittedBOM(2, "CAKE", "1", false, line("FLOUR", "3"))
	// candidates arrive most recently modified first
	got := SelectBOM(2, []*BOM{older, designated})
	if got == nil || got.ID != 2 {
		t.Fatalf("expected designated default bom 2, got %+v", got)
	}
}

func TestSelectBOM_StaleDefaultFallsThrough(t *testing.T) {
	inactive := submittedBOM(1, "CAKE", "1", true)
	inactive.IsActive = utils.NewFalse()
	flagged := submittedBOM(2, "CAKE", "1", true)
	plain := submittedBOM(3, "CAKE", "1", false)

	// designated default points at the deactivated bom
	got := SelectBOM(1, []*BOM{plain, flagged, inactive})
	if got == nil || got.ID != 2 {
		t.Fatalf("expected flagged default bom 2 after skipping stale default, got %+v", got)
	}
}

func TestSelectBOM_DraftNeverSelected(t *testing.T) {
	draft := submittedBOM(1, "CAKE", "1", true)
	draft.CurrentStatus = BomStatusDraft
	if got := SelectBOM(0, []*BOM{draft}); got != nil {
		t.Fatalf("expected no usable bom, got %+v", got)
	}
}

func TestSelectBOM_MostRecentUsableAsLastResort(t *testing.T) {
	newest := submittedBOM(5, "CAKE", "1", false)
	oldest := submittedBOM(4, "CAKE", "1", false)
	got := SelectBOM(0, []*BOM{newest, oldest})
	if got == nil || got.ID != 5 {
		t.Fatalf("expected most recent usable bom 5, got %+v", got)
	}
}

func TestExplodeWith_ScalesByBaseOutputQty(t *testing.T) {
	resolve := resolverFor(
		submittedBOM(1, "CAKE", "2", true, line("FLOUR", "4"), line("SUGAR", "6")),
	)
	components, err := ExplodeWith(resolve, "CAKE", dec("5"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := componentMap(components)
	if got["FLOUR"] != "10" || got["SUGAR"] != "15" {
		t.Fatalf("expected FLOUR=10 SUGAR=15, got %v", got)
	}
}

func TestExplodeWith_ZeroQtyYieldsNoComponents(t *testing.T) {
	resolve := resolverFor(
		submittedBOM(1, "CAKE", "2", true, line("FLOUR", "4")),
	)
	components, err := ExplodeWith(resolve, "CAKE", decimal.Zero, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(components) != 0 {
		t.Fatalf("expected empty component list, got %v", components)
	}
}

func TestExplodeWith_ZeroBaseQtyIsConfigurationError(t *testing.T) {
	resolve := resolverFor(
		submittedBOM(1, "CAKE", "0", true, line("FLOUR", "4")),
	)
	_, err := ExplodeWith(resolve, "CAKE", dec("5"), false)
	var zero *ZeroBaseQtyError
	if !errors.As(err, &zero) {
		t.Fatalf("expected ZeroBaseQtyError, got %v", err)
	}
	if !IsConfigurationError(err) {
		t.Fatalf("expected zero base qty to classify as configuration error")
	}
}

func TestExplodeWith_NoActiveBom(t *testing.T) {
	resolve := resolverFor()
	_, err := ExplodeWith(resolve, "CAKE", dec("1"), false)
	var noBom *NoActiveBomError
	if !errors.As(err, &noBom) {
		t.Fatalf("expected NoActiveBomError, got %v", err)
	}
	if noBom.ItemCode != "CAKE" {
		t.Fatalf("expected error to carry item code CAKE, got %q", noBom.ItemCode)
	}
}

func TestExplodeWith_RecursiveReplacesSubAssemblies(t *testing.T) {
	resolve := resolverFor(
		submittedBOM(1, "CAKE", "1", true, line("BATTER", "2"), line("ICING", "1")),
		submittedBOM(2, "BATTER", "1", true, line("FLOUR", "3"), line("EGG", "2")),
	)

	flat, err := ExplodeWith(resolve, "CAKE", dec("4"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gotFlat := componentMap(flat)
	if gotFlat["BATTER"] != "8" || gotFlat["ICING"] != "4" {
		t.Fatalf("non-recursive: expected BATTER=8 ICING=4, got %v", gotFlat)
	}

	deep, err := ExplodeWith(resolve, "CAKE", dec("4"), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := componentMap(deep)
	if _, present := got["BATTER"]; present {
		t.Fatalf("recursive: sub-assembly must be replaced by its components, got %v", got)
	}
	if got["FLOUR"] != "24" || got["EGG"] != "16" || got["ICING"] != "4" {
		t.Fatalf("recursive: expected FLOUR=24 EGG=16 ICING=4, got %v", got)
	}
}

func TestExplodeWith_RecursiveSharedComponentAccumulates(t *testing.T) {
	resolve := resolverFor(
		submittedBOM(1, "CAKE", "1", true, line("BATTER", "1"), line("FLOUR", "1")),
		submittedBOM(2, "BATTER", "1", true, line("FLOUR", "2")),
	)
	components, err := ExplodeWith(resolve, "CAKE", dec("3"), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := componentMap(components)
	if got["FLOUR"] != "9" {
		t.Fatalf("expected FLOUR to accumulate to 9 across sub-trees, got %v", got)
	}
}

func TestExplodeWith_RecursiveCycleDetected(t *testing.T) {
	resolve := resolverFor(
		submittedBOM(1, "A", "1", true, line("B", "1")),
		submittedBOM(2, "B", "1", true, line("A", "1")),
	)
	_, err := ExplodeWith(resolve, "A", dec("1"), true)
	var cycle *BomCycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected BomCycleError, got %v", err)
	}
}

func TestExplodeWith_Deterministic(t *testing.T) {
	resolve := resolverFor(
		submittedBOM(1, "CAKE", "2", true, line("FLOUR", "4"), line("SUGAR", "2"), line("EGG", "6")),
	)
	first, err := ExplodeWith(resolve, "CAKE", dec("7"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for run := 0; run < 50; run++ {
		again, err := ExplodeWith(resolve, "CAKE", dec("7"), false)
		if err != nil {
			t.Fatalf("run=%d unexpected error: %v", run, err)
		}
		if len(again) != len(first) {
			t.Fatalf("run=%d expected %d components, got %d", run, len(first), len(again))
		}
		for i := range first {
			if again[i].ItemCode != first[i].ItemCode || !again[i].Qty.Equal(first[i].Qty) {
				t.Fatalf("run=%d component %d differs: %v vs %v", run, i, again[i], first[i])
			}
		}
	}
}
