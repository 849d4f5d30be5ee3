package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"entitlements/internal/domain/entitlement"
	"entitlements/internal/relationship"
)

type ReconcileReport struct {
	Scanned  int `json:"scanned"`
	Repaired int `json:"repaired"`
	Failed   int `json:"failed"`
}

type ReconcileGraph struct {
	ents      entitlement.Repository
	sync      *relationship.Sync
	batchSize int
	log       *slog.Logger
}

func NewReconcileGraph(ents entitlement.Repository, sync *relationship.Sync, batchSize int, log *slog.Logger) *ReconcileGraph {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &ReconcileGraph{ents: ents, sync: sync, batchSize: batchSize, log: log}
}

// Execute walks every entitlement and repairs missing or stale graph edges.
// Per-entitlement graph failures are counted and skipped; the next pass picks
// them up again.
func (uc *ReconcileGraph) Execute(ctx context.Context) (ReconcileReport, error) {
	var (
		report ReconcileReport
		after  string
	)
	for {
		batch, err := uc.ents.ListAfter(ctx, after, uc.batchSize)
		if err != nil {
			return report, fmt.Errorf("list entitlements: %w", err)
		}
		for _, ent := range batch {
			report.Scanned++
			repaired, err := uc.sync.Reconcile(ctx, ent)
			if err != nil {
				report.Failed++
				uc.log.Warn("reconcile entitlement", "entitlement_id", ent.ID, "error", err)
				continue
			}
			if repaired {
				report.Repaired++
			}
		}
		if len(batch) < uc.batchSize {
			return report, nil
		}
		after = batch[len(batch)-1].ID
		if err := ctx.Err(); err != nil {
			return report, err
		}
	}
}
