package domain

type Order struct {
	ID        string `json:"id"`
	TargetID  string `json:"target_id"`
	Priority  int    `json:"priority"`
	DueTime   string `json:"due_time,omitempty" format:"date-time"`
	Status    string `json:"status" enum:"new,queued,planned,committed,rejected,deferred"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ScoredOrder pairs an inbox order with its backend-computed score.
// The score is authoritative; the client never re-derives it.
type ScoredOrder struct {
	Order Order   `json:"order"`
	Score float64 `json:"score"`
}

type OrderSummary struct {
	OrderID  string `json:"order_id"`
	TargetID string `json:"target_id"`
	Priority int    `json:"priority"`
	Status   string `json:"status"`
}

type Batch struct {
	ID          string           `json:"id"`
	PolicyID    string           `json:"policy_id"`
	Status      string           `json:"status" enum:"draft,planned,committed,cancelled"`
	HorizonFrom string           `json:"horizon_from,omitempty" format:"date-time"`
	HorizonTo   string           `json:"horizon_to,omitempty" format:"date-time"`
	Orders      []OrderSummary   `json:"orders,omitempty"`
	Diagnostics *PlanDiagnostics `json:"diagnostics,omitempty"`
	CreatedAt   string           `json:"created_at" format:"date-time"`
}

type PlanDiagnostics struct {
	OrdersSatisfied     int                `json:"orders_satisfied"`
	OrdersUnsatisfied   int                `json:"orders_unsatisfied"`
	AcquisitionsPlanned int                `json:"acquisitions_planned"`
	ComputeTimeMS       int64              `json:"compute_time_ms"`
	Unsatisfied         []UnsatisfiedOrder `json:"unsatisfied,omitempty"`
}

type UnsatisfiedOrder struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

type Policy struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Opportunity is one scheduled imaging window as produced by a planning run.
// Optional numeric fields are pointers; a missing field stays nil through the
// whole commit path rather than turning into a zero.
type Opportunity struct {
	OpportunityID string   `json:"opportunity_id"`
	SatelliteID   string   `json:"satellite_id"`
	TargetID      string   `json:"target_id"`
	StartTime     string   `json:"start_time" format:"date-time"`
	EndTime       string   `json:"end_time" format:"date-time"`
	Roll          *float64 `json:"roll,omitempty"`
	DeltaRoll     *float64 `json:"delta_roll,omitempty"`
	Pitch         *float64 `json:"pitch,omitempty"`
	SARMode       *SARMode `json:"sar_mode,omitempty"`
	Value         float64  `json:"value"`
}

type SARMode struct {
	Polarization string  `json:"polarization,omitempty"`
	LooksAzimuth int     `json:"looks_azimuth,omitempty"`
	Bandwidth    float64 `json:"bandwidth_mhz,omitempty"`
}

// CommitItem is the wire-level item submitted to the commit endpoint,
// derived 1:1 from an Opportunity.
type CommitItem struct {
	OpportunityID string   `json:"opportunity_id"`
	SatelliteID   string   `json:"satellite_id"`
	TargetID      string   `json:"target_id"`
	StartTime     string   `json:"start_time" format:"date-time"`
	EndTime       string   `json:"end_time" format:"date-time"`
	Roll          float64  `json:"roll"`
	Pitch         *float64 `json:"pitch,omitempty"`
	SARMode       *SARMode `json:"sar_mode,omitempty"`
	Value         float64  `json:"value"`
}

type ScheduleEntry struct {
	OpportunityID string  `json:"opportunity_id"`
	SatelliteID   string  `json:"satellite_id"`
	TargetID      string  `json:"target_id"`
	StartTime     string  `json:"start_time" format:"date-time"`
	EndTime       string  `json:"end_time" format:"date-time"`
	Roll          float64 `json:"roll"`
	Value         float64 `json:"value"`
	SlackSeconds  float64 `json:"slack_seconds"`
}

type TargetPosition struct {
	TargetID string  `json:"target_id"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
}

// AcceptedOrder is the client's durable receipt for one successful commit.
// OrderID is the dedup key: the backend plan id when present, otherwise a
// locally generated fallback id. BackendAcquisitionIDs holds only the
// acquisitions this commit created; kept acquisitions from a repaired plan
// stay attributed to their original receipt.
type AcceptedOrder struct {
	OrderID               string             `json:"order_id"`
	Name                  string             `json:"name"`
	CreatedAt             string             `json:"created_at" format:"date-time"`
	Algorithm             string             `json:"algorithm"`
	Metrics               map[string]float64 `json:"metrics,omitempty"`
	Schedule              []ScheduleEntry    `json:"schedule"`
	SatellitesInvolved    []string           `json:"satellites_involved"`
	TargetsCovered        []string           `json:"targets_covered"`
	BackendAcquisitionIDs []string           `json:"backend_acquisition_ids"`
	TargetPositions       []TargetPosition   `json:"target_positions,omitempty"`
}

// RepairOutcome is the ephemeral result of a repair commit; it exists only
// long enough to build the AcceptedOrder receipt.
type RepairOutcome struct {
	Committed      int      `json:"committed"`
	Dropped        int      `json:"dropped"`
	AcquisitionIDs []string `json:"acquisition_ids"`
}

// PlanningResult is the output of an ad-hoc planning run handed to the
// direct commit engine. A non-empty RepairPlanID selects the repair protocol.
type PlanningResult struct {
	Schedule         []Opportunity      `json:"schedule"`
	Metrics          map[string]float64 `json:"metrics,omitempty"`
	RepairPlanID     string             `json:"repair_plan_id,omitempty"`
	RepairDroppedIDs []string           `json:"repair_dropped_ids,omitempty"`
	TargetPositions  []TargetPosition   `json:"target_positions,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
