package models

type Branch struct {
	BranchCode        string `json:"branch_code"`
	Name              string `json:"name"`
	AvgServiceMinutes int    `json:"avg_service_minutes"`
	Open              bool   `json:"open"`
	ClosedReason      string `json:"closed_reason,omitempty"`
}
