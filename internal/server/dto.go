package server

import (
	"skyplan/internal/domain"
)

type AcceptedOrderResponse struct {
	OrderID             string   `json:"order_id"`
	Name                string   `json:"name"`
	CreatedAt           string   `json:"created_at" format:"date-time"`
	Algorithm           string   `json:"algorithm"`
	SatellitesInvolved  []string `json:"satellites_involved"`
	TargetsCovered      []string `json:"targets_covered"`
	AcquisitionCount    int      `json:"acquisition_count"`
	BackendAcquisitions []string `json:"backend_acquisition_ids"`
}

func acceptedOrderResponse(o domain.AcceptedOrder) AcceptedOrderResponse {
	return AcceptedOrderResponse{
		OrderID:             o.OrderID,
		Name:                o.Name,
		CreatedAt:           o.CreatedAt,
		Algorithm:           o.Algorithm,
		SatellitesInvolved:  o.SatellitesInvolved,
		TargetsCovered:      o.TargetsCovered,
		AcquisitionCount:    len(o.Schedule),
		BackendAcquisitions: o.BackendAcquisitionIDs,
	}
}

func mapAcceptedOrders(items []domain.AcceptedOrder) []AcceptedOrderResponse {
	out := make([]AcceptedOrderResponse, 0, len(items))
	for _, o := range items {
		out = append(out, acceptedOrderResponse(o))
	}
	return out
}

type ScoredOrderResponse struct {
	ID       string  `json:"id"`
	TargetID string  `json:"target_id"`
	Priority int     `json:"priority"`
	DueTime  string  `json:"due_time,omitempty"`
	Status   string  `json:"status"`
	Score    float64 `json:"score"`
}

func scoredOrderResponse(so domain.ScoredOrder) ScoredOrderResponse {
	return ScoredOrderResponse{
		ID:       so.Order.ID,
		TargetID: so.Order.TargetID,
		Priority: so.Order.Priority,
		DueTime:  so.Order.DueTime,
		Status:   so.Order.Status,
		Score:    so.Score,
	}
}

func mapScoredOrders(items []domain.ScoredOrder) []ScoredOrderResponse {
	out := make([]ScoredOrderResponse, 0, len(items))
	for _, so := range items {
		out = append(out, scoredOrderResponse(so))
	}
	return out
}

type BatchResponse struct {
	ID          string                  `json:"id"`
	PolicyID    string                  `json:"policy_id"`
	Status      string                  `json:"status"`
	Orders      []domain.OrderSummary   `json:"orders,omitempty"`
	CreatedAt   string                  `json:"created_at,omitempty"`
	Diagnostics *domain.PlanDiagnostics `json:"diagnostics,omitempty"`
}

func batchResponse(b domain.Batch) BatchResponse {
	return BatchResponse{
		ID:          b.ID,
		PolicyID:    b.PolicyID,
		Status:      b.Status,
		Orders:      b.Orders,
		CreatedAt:   b.CreatedAt,
		Diagnostics: b.Diagnostics,
	}
}

func mapBatches(items []domain.Batch) []BatchResponse {
	out := make([]BatchResponse, 0, len(items))
	for _, b := range items {
		out = append(out, batchResponse(b))
	}
	return out
}

type CreateBatchRequest struct {
	OrderIDs []string `json:"order_ids"`
	PolicyID string   `json:"policy_id,omitempty"`
}

type CommitPlanRequest struct {
	Algorithm string                `json:"algorithm"`
	Result    domain.PlanningResult `json:"result"`
}
