package api

import (
	"net/http"

	"github.com/revback/revback/pkg/auth"
	"github.com/revback/revback/pkg/contracts"
	"github.com/revback/revback/pkg/store"
)

// handleDashboardFirstLook is the landing summary: open issues grouped by
// severity plus the total revenue estimated at risk.
func (s *Server) handleDashboardFirstLook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := auth.OrgID(ctx)

	bySeverity, err := s.Issues.SummarizeOpenBySeverity(ctx, orgID)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	var openTotal, atRiskCents int64
	for _, row := range bySeverity {
		openTotal += row.Count
		atRiskCents += row.RevenueCents
	}
	recent, err := s.Issues.List(ctx, orgID, store.IssueFilter{
		Status: contracts.IssueOpen, Limit: 10,
	})
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"open_issues":            openTotal,
		"revenue_at_risk_cents":  atRiskCents,
		"by_severity":            bySeverity,
		"recent":                 recent,
	})
}

// handleDashboardRevenueImpact ranks open issue types by estimated revenue.
func (s *Server) handleDashboardRevenueImpact(w http.ResponseWriter, r *http.Request) {
	byType, err := s.Issues.SummarizeOpenByType(r.Context(), auth.OrgID(r.Context()))
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	var totalCents int64
	for _, row := range byType {
		totalCents += row.RevenueCents
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"by_type":     byType,
		"total_cents": totalCents,
	})
}

// handleDashboardEntitlementHealth shows the entitlement population per
// state.
func (s *Server) handleDashboardEntitlementHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.Entitlements.CountByState(r.Context(), auth.OrgID(r.Context()))
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"by_state": counts,
		"total":    total,
	})
}
