package milestone

import (
	"context"

	"trustwork/pkg/errutil"
	"trustwork/services/assignment"

	"gorm.io/gorm"
)

// PlanReader answers questions about a gig's milestone plan for escrow and the lifecycle gate.
type PlanReader struct {
	db *gorm.DB
}

func NewPlanReader(db *gorm.DB) *PlanReader {
	return &PlanReader{db: db}
}

func (p *PlanReader) PlannedTotal(ctx context.Context, tx *gorm.DB, assignmentID string) (int64, int, error) {
	if tx == nil {
		tx = p.db
	}
	var row struct {
		Total int64
		Count int
	}
	err := tx.WithContext(ctx).Model(&Milestone{}).
		Select("COALESCE(SUM(amount), 0) AS total, COUNT(*) AS count").
		Where("gig_id = ?", assignmentID).
		Scan(&row).Error
	if err != nil {
		return 0, 0, errutil.Internal("failed to sum milestones", err)
	}
	return row.Total, row.Count, nil
}

// ReadyForWork holds a gig in assigned until its milestones exist.
func (p *PlanReader) ReadyForWork(ctx context.Context, tx *gorm.DB, a *assignment.Assignment) (bool, error) {
	if a.Kind != assignment.KindGig {
		return true, nil
	}
	_, n, err := p.PlannedTotal(ctx, tx, a.ID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
