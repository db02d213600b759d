package workflow

import (
	"testing"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/mes_backend/models"
)

// NOTE: These tests are intentionally DB-free. Reconcile is a pure full
// recompute over the demand requirement set and the submitted supply
// totals; the DB wrapper only loads those inputs and upserts the output.

func reqSet(totals map[string]string) RequirementSet {
	set := RequirementSet{
		TotalByItem:  map[string]decimal.Decimal{},
		UomByItem:    map[string]string{},
		ConfigErrors: map[string]error{},
	}
	for code, qty := range totals {
		set.TotalByItem[code] = dec(qty)
		set.UomByItem[code] = "Unit"
	}
	return set
}

func supply(totals map[string]string) map[string]decimal.Decimal {
	out := map[string]decimal.Decimal{}
	for code, qty := range totals {
		out[code] = dec(qty)
	}
	return out
}

func itemByCode(t *testing.T, items []ReconciledItem, code string) ReconciledItem {
	t.Helper()
	for _, item := range items {
		if item.ItemCode == code {
			return item
		}
	}
	t.Fatalf("item %s not in result", code)
	return ReconciledItem{}
}

func TestReconcile_BasicAggregates(t *testing.T) {
	items := Reconcile(
		reqSet(map[string]string{"FLOUR": "100", "SUGAR": "40"}),
		supply(map[string]string{"FLOUR": "70"}),
	)

	flour := itemByCode(t, items, "FLOUR")
	if !flour.PendingQty.Equal(dec("30")) {
		t.Fatalf("expected FLOUR pending 30, got %s", flour.PendingQty.String())
	}
	if !flour.Percentage.Equal(dec("70")) {
		t.Fatalf("expected FLOUR 70%%, got %s", flour.Percentage.String())
	}
	if flour.CurrentStatus != models.RequirementStatusInProgress {
		t.Fatalf("expected FLOUR InProgress, got %s", flour.CurrentStatus)
	}

	sugar := itemByCode(t, items, "SUGAR")
	if sugar.CurrentStatus != models.RequirementStatusPending {
		t.Fatalf("expected SUGAR Pending, got %s", sugar.CurrentStatus)
	}
	if !sugar.Percentage.IsZero() {
		t.Fatalf("expected SUGAR 0%%, got %s", sugar.Percentage.String())
	}
}

func TestReconcile_OversupplyClampsPendingAndPercentage(t *testing.T) {
	items := Reconcile(
		reqSet(map[string]string{"FLOUR": "50"}),
		supply(map[string]string{"FLOUR": "80"}),
	)
	flour := itemByCode(t, items, "FLOUR")
	if !flour.PendingQty.IsZero() {
		t.Fatalf("pending must floor at zero, got %s", flour.PendingQty.String())
	}
	if !flour.Percentage.Equal(dec("100")) {
		t.Fatalf("percentage must cap at 100, got %s", flour.Percentage.String())
	}
	if flour.CurrentStatus != models.RequirementStatusCompleted {
		t.Fatalf("expected Completed, got %s", flour.CurrentStatus)
	}
}

func TestReconcile_SupplyWithoutDemand(t *testing.T) {
	items := Reconcile(
		reqSet(nil),
		supply(map[string]string{"FLOUR": "25"}),
	)
	flour := itemByCode(t, items, "FLOUR")
	if !flour.TotalRequiredQty.IsZero() {
		t.Fatalf("expected zero requirement, got %s", flour.TotalRequiredQty.String())
	}
	if !flour.Percentage.IsZero() {
		t.Fatalf("zero requirement must report 0%%, got %s", flour.Percentage.String())
	}
	// Status follows the percentage: 0% is Pending even with supply on
	// record, the same as an item nothing was transferred for.
	if flour.CurrentStatus != models.RequirementStatusPending {
		t.Fatalf("supplied item with no demand must be Pending, got %s", flour.CurrentStatus)
	}
}

func TestReconcile_RoundingNeverCompletesShortItem(t *testing.T) {
	// 19999/20000 = 99.995%, which rounds to 100.00 for display. The item
	// is still one unit short and must not be marked Completed.
	items := Reconcile(
		reqSet(map[string]string{"FLOUR": "20000"}),
		supply(map[string]string{"FLOUR": "19999"}),
	)
	flour := itemByCode(t, items, "FLOUR")
	if !flour.Percentage.Equal(dec("100")) {
		t.Fatalf("expected stored percentage 100.00, got %s", flour.Percentage.String())
	}
	if !flour.PendingQty.Equal(dec("1")) {
		t.Fatalf("expected pending 1, got %s", flour.PendingQty.String())
	}
	if flour.CurrentStatus != models.RequirementStatusInProgress {
		t.Fatalf("short item must stay InProgress, got %s", flour.CurrentStatus)
	}
}

func TestReconcile_ExtraItemsGetZeroedRows(t *testing.T) {
	items := Reconcile(reqSet(nil), supply(nil), "FLOUR")
	flour := itemByCode(t, items, "FLOUR")
	if !flour.TotalRequiredQty.IsZero() || !flour.TransferredQty.IsZero() || !flour.PendingQty.IsZero() {
		t.Fatalf("stale item must be zeroed, got %+v", flour)
	}
	if flour.CurrentStatus != models.RequirementStatusPending {
		t.Fatalf("zeroed item must be Pending, got %s", flour.CurrentStatus)
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	requirements := reqSet(map[string]string{"FLOUR": "100", "SUGAR": "33"})
	supplyTotals := supply(map[string]string{"FLOUR": "40", "SUGAR": "33"})

	first := Reconcile(requirements, supplyTotals)
	for run := 0; run < 20; run++ {
		again := Reconcile(requirements, supplyTotals)
		if len(again) != len(first) {
			t.Fatalf("run=%d result size changed: %d vs %d", run, len(again), len(first))
		}
		for i := range first {
			if again[i].ItemCode != first[i].ItemCode ||
				!again[i].PendingQty.Equal(first[i].PendingQty) ||
				!again[i].Percentage.Equal(first[i].Percentage) ||
				again[i].CurrentStatus != first[i].CurrentStatus {
				t.Fatalf("run=%d item %d differs: %+v vs %+v", run, i, again[i], first[i])
			}
		}
	}
}

func TestReconcile_CancellationConverges(t *testing.T) {
	requirements := reqSet(map[string]string{"FLOUR": "100"})

	// two submitted transfers of 40 and 30
	withBoth := Reconcile(requirements, supply(map[string]string{"FLOUR": "70"}))
	if !itemByCode(t, withBoth, "FLOUR").TransferredQty.Equal(dec("70")) {
		t.Fatalf("expected transferred 70 before cancel")
	}

	// cancelling the 40 drops it out of the submitted totals; the recompute
	// sees only what remains, no compensating arithmetic involved
	afterCancel := Reconcile(requirements, supply(map[string]string{"FLOUR": "30"}))
	flour := itemByCode(t, afterCancel, "FLOUR")
	if !flour.TransferredQty.Equal(dec("30")) {
		t.Fatalf("expected transferred 30 after cancel, got %s", flour.TransferredQty.String())
	}
	if !flour.PendingQty.Equal(dec("70")) {
		t.Fatalf("expected pending 70 after cancel, got %s", flour.PendingQty.String())
	}

	// identical to a world where the cancelled transfer never existed
	neverExisted := Reconcile(requirements, supply(map[string]string{"FLOUR": "30"}))
	if !itemByCode(t, neverExisted, "FLOUR").PendingQty.Equal(flour.PendingQty) {
		t.Fatalf("cancelled state must match never-submitted state")
	}
}

func TestReconcile_PercentageRounding(t *testing.T) {
	items := Reconcile(
		reqSet(map[string]string{"FLOUR": "3"}),
		supply(map[string]string{"FLOUR": "1"}),
	)
	flour := itemByCode(t, items, "FLOUR")
	if !flour.Percentage.Equal(dec("33.33")) {
		t.Fatalf("expected 33.33, got %s", flour.Percentage.String())
	}
}

func TestBuildRequirements_SumsAcrossWorkOrders(t *testing.T) {
	resolve := func(wo *models.WorkOrder) (*models.BOM, error) {
		if wo.OutputItemCode != "CAKE" {
			return nil, &models.NoActiveBomError{ItemCode: wo.OutputItemCode}
		}
		return &models.BOM{
			ID:             1,
			OutputItemCode: "CAKE",
			BaseOutputQty:  dec("1"),
			IsActive:       boolPtr(true),
			CurrentStatus:  models.BomStatusSubmitted,
			Lines: []models.BOMLine{
				{ItemCode: "FLOUR", Qty: dec("2"), Uom: "Kg"},
			},
		}, nil
	}
	orders := []*models.WorkOrder{
		{ID: 1, OutputItemCode: "CAKE", OrderedQty: dec("10"), SatisfiedQty: dec("4")},
		{ID: 2, OutputItemCode: "CAKE", OrderedQty: dec("5")},
		{ID: 3, OutputItemCode: "PIE", OrderedQty: dec("7")},
	}

	set := BuildRequirements(resolve, orders, DemandModePending)
	if !set.TotalByItem["FLOUR"].Equal(dec("22")) {
		t.Fatalf("expected FLOUR total 22 (pending 6+5 at 2 each), got %s", set.TotalByItem["FLOUR"].String())
	}
	if set.UomByItem["FLOUR"] != "Kg" {
		t.Fatalf("expected uom from the bom line, got %q", set.UomByItem["FLOUR"])
	}
	if _, broken := set.ConfigErrors["PIE"]; !broken {
		t.Fatalf("expected PIE recorded as configuration error, got %v", set.ConfigErrors)
	}

	ordered := BuildRequirements(resolve, orders, DemandModeOrdered)
	if !ordered.TotalByItem["FLOUR"].Equal(dec("30")) {
		t.Fatalf("expected ordered-mode FLOUR total 30, got %s", ordered.TotalByItem["FLOUR"].String())
	}
}

func TestBuildRequirements_PinnedBomWinsOverDefault(t *testing.T) {
	defaultBom := &models.BOM{
		ID:             1,
		OutputItemCode: "CAKE",
		BaseOutputQty:  dec("1"),
		IsActive:       boolPtr(true),
		CurrentStatus:  models.BomStatusSubmitted,
		Lines: []models.BOMLine{
			{ItemCode: "FLOUR", Qty: dec("2"), Uom: "Kg"},
		},
	}
	alternate := &models.BOM{
		ID:             2,
		OutputItemCode: "CAKE",
		BaseOutputQty:  dec("1"),
		IsActive:       boolPtr(true),
		CurrentStatus:  models.BomStatusSubmitted,
		Lines: []models.BOMLine{
			{ItemCode: "RICE_FLOUR", Qty: dec("3"), Uom: "Kg"},
		},
	}
	resolve := func(wo *models.WorkOrder) (*models.BOM, error) {
		if wo.BomId == alternate.ID {
			return alternate, nil
		}
		return defaultBom, nil
	}
	orders := []*models.WorkOrder{
		{ID: 1, OutputItemCode: "CAKE", OrderedQty: dec("10")},
		{ID: 2, OutputItemCode: "CAKE", OrderedQty: dec("4"), BomId: 2},
	}

	set := BuildRequirements(resolve, orders, DemandModeOrdered)
	if !set.TotalByItem["FLOUR"].Equal(dec("20")) {
		t.Fatalf("expected FLOUR 20 from the unpinned order only, got %s", set.TotalByItem["FLOUR"].String())
	}
	if !set.TotalByItem["RICE_FLOUR"].Equal(dec("12")) {
		t.Fatalf("expected RICE_FLOUR 12 through the pinned bom, got %s", set.TotalByItem["RICE_FLOUR"].String())
	}
}

func boolPtr(b bool) *bool { return &b }
