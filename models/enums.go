package models

// BomStatus tracks the catalog lifecycle of a bill of materials.
// Only Submitted BOMs participate in resolution; Draft BOMs are invisible
// to the engine even when flagged active or default.
type BomStatus string

const (
	BomStatusDraft     BomStatus = "Draft"
	BomStatusSubmitted BomStatus = "Submitted"
)

// TransferStatus is the supply document state machine.
// Cancelled is terminal; a cancelled transfer is never resubmitted.
type TransferStatus string

const (
	TransferStatusDraft     TransferStatus = "Draft"
	TransferStatusSubmitted TransferStatus = "Submitted"
	TransferStatusCancelled TransferStatus = "Cancelled"
)

// TransferPurpose distinguishes the two supply document shapes sharing the
// engine: a warehouse-to-warehouse raw material transfer and a plain stock
// issuance (stock entry without a receiving warehouse).
type TransferPurpose string

const (
	TransferPurposeTransfer TransferPurpose = "Transfer"
	TransferPurposeIssue    TransferPurpose = "Issue"
)

// RequirementStatus is derived from the fulfillment percentage on every
// reconciliation pass, never stored independently of it.
type RequirementStatus string

const (
	RequirementStatusPending    RequirementStatus = "Pending"
	RequirementStatusInProgress RequirementStatus = "InProgress"
	RequirementStatusCompleted  RequirementStatus = "Completed"
)

type WorkOrderStatus string

const (
	WorkOrderStatusOpen      WorkOrderStatus = "Open"
	WorkOrderStatusCompleted WorkOrderStatus = "Completed"
	WorkOrderStatusClosed    WorkOrderStatus = "Closed"
)

type StockReferenceType string

const (
	StockReferenceTypeMaterialTransfer StockReferenceType = "MT"
	StockReferenceTypeOpeningStock     StockReferenceType = "OS"
)

// module names used by the document number series
const (
	ModuleMaterialTransfer = "MaterialTransfer"
	ModuleWorkOrder        = "WorkOrder"
	ModuleProductionPlan   = "ProductionPlan"
)
