package skilltest

import (
	"context"
	"fmt"
	"strings"

	"trustwork/pkg/errutil"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Import upserts templates and their question banks and refreshes total_questions.
// Questions are matched by id so edits update the bank without touching existing attempt snapshots.
func (s *Service) Import(ctx context.Context, seeds []TemplateSeed) (int, error) {
	imported := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()
		for _, seed := range seeds {
			tpl := seed.Template
			if tpl.ID == "" {
				return errutil.ValidationFailed("template id is required", nil)
			}
			tpl.CreatedAt = now
			tpl.UpdatedAt = now
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"category", "name", "active", "updated_at"}),
			}).Create(&tpl).Error; err != nil {
				return errutil.Internal("failed to upsert template", err)
			}

			for i, qs := range seed.Questions {
				q, err := questionFromSeed(tpl.ID, i, qs)
				if err != nil {
					return err
				}
				q.CreatedAt = now
				q.UpdatedAt = now
				if err := tx.Clauses(clause.OnConflict{
					Columns: []clause.Column{{Name: "id"}},
					DoUpdates: clause.AssignmentColumns([]string{
						"difficulty", "prompt", "option_a", "option_b", "option_c", "option_d",
						"correct_option", "explanation", "active", "updated_at",
					}),
				}).Create(q).Error; err != nil {
					return errutil.Internal("failed to upsert question", err)
				}
				imported++
			}

			var total int64
			if err := tx.Model(&Question{}).Where("template_id = ? AND active = ?", tpl.ID, true).Count(&total).Error; err != nil {
				return errutil.Internal("failed to count questions", err)
			}
			if err := tx.Model(&Template{}).Where("id = ?", tpl.ID).Update("total_questions", total).Error; err != nil {
				return errutil.Internal("failed to update template", err)
			}
		}
		return nil
	})
	return imported, err
}

func questionFromSeed(templateID string, i int, qs QuestionSeed) (*Question, error) {
	field := func(name string) errutil.Option {
		return errutil.Field(fmt.Sprintf("%s.questions[%d].%s", templateID, i, name), "is invalid")
	}
	if !qs.Difficulty.Valid() {
		return nil, errutil.ValidationFailed("invalid question difficulty", nil, field("difficulty"))
	}
	correct := strings.ToUpper(qs.Correct)
	if _, ok := qs.Options[correct]; !ok {
		return nil, errutil.ValidationFailed("correct option is not one of the options", nil, field("correct"))
	}
	for _, o := range options {
		if qs.Options[o] == "" {
			return nil, errutil.ValidationFailed("question needs four options", nil, field("options"))
		}
	}
	id := qs.ID
	if id == "" {
		id = fmt.Sprintf("%s-%s-%03d", templateID, qs.Difficulty, i+1)
	}
	return &Question{
		ID:            id,
		TemplateID:    templateID,
		Difficulty:    qs.Difficulty,
		Prompt:        qs.Prompt,
		OptionA:       qs.Options["A"],
		OptionB:       qs.Options["B"],
		OptionC:       qs.Options["C"],
		OptionD:       qs.Options["D"],
		CorrectOption: correct,
		Explanation:   qs.Explanation,
		Active:        true,
	}, nil
}
