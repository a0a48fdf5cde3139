package bootstrap

import (
	"context"
	"testing"

	"trustwork/pkg/config"
	"trustwork/services/principal"
	"trustwork/services/skilltest"
	"trustwork/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const bank = `
templates:
  - id: go-basics
    category: backend
    name: Go basics
    active: true
    questions:
      - difficulty: entry
        prompt: Which keyword starts a goroutine?
        options: {A: go, B: async, C: spawn, D: thread}
        correct: a
        explanation: The go statement starts a goroutine.
      - id: go-basics-chan
        difficulty: mid
        prompt: What does a receive on a closed channel return?
        options: {A: panic, B: blocks, C: zero value, D: error}
        correct: C
`

func newService(t *testing.T, adminID string) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t)
	cfg := &config.Config{Engine: config.DefaultEngine()}
	cfg.Auth.BootstrapAdminID = adminID

	e, err := principal.NewEnforcer("", "")
	require.NoError(t, err)
	principals := principal.NewService(principal.ServiceParams{DB: db, Config: cfg, Enforcer: e})
	skillTests := skilltest.NewService(skilltest.ServiceParams{DB: db, Node: testutil.NewNode(t), Config: cfg})
	return NewService(ServiceParams{DB: db, Config: cfg, Principals: principals, SkillTests: skillTests}), db
}

func TestMigrateCreatesSchemaAndAdmin(t *testing.T) {
	s, db := newService(t, "root")
	ctx := context.Background()

	require.NoError(t, s.Migrate(ctx))
	for _, m := range Models() {
		require.True(t, db.Migrator().HasTable(m))
	}

	var p principal.Principal
	require.NoError(t, db.First(&p, "id = ?", "root").Error)
	require.Equal(t, principal.RoleAdmin, p.Role)

	// a second run is a no-op
	require.NoError(t, s.Migrate(ctx))
	var n int64
	require.NoError(t, db.Model(&principal.Principal{}).Count(&n).Error)
	require.EqualValues(t, 1, n)
}

func TestMigrateWithoutAdmin(t *testing.T) {
	s, db := newService(t, "")
	require.NoError(t, s.Migrate(context.Background()))

	var n int64
	require.NoError(t, db.Model(&principal.Principal{}).Count(&n).Error)
	require.Zero(t, n)
}

func TestImportQuestions(t *testing.T) {
	s, db := newService(t, "")
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	n, err := s.ImportQuestions(ctx, []byte(bank))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	var tpl skilltest.Template
	require.NoError(t, db.First(&tpl, "id = ?", "go-basics").Error)
	require.Equal(t, 2, tpl.TotalQuestions)
	require.True(t, tpl.Active)

	var q skilltest.Question
	require.NoError(t, db.First(&q, "id = ?", "go-basics-entry-001").Error)
	require.Equal(t, "A", q.CorrectOption)

	// re-importing updates in place
	n, err = s.ImportQuestions(ctx, []byte(bank))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	var total int64
	require.NoError(t, db.Model(&skilltest.Question{}).Count(&total).Error)
	require.EqualValues(t, 2, total)

	_, err = s.ImportQuestions(ctx, []byte("templates: ["))
	require.Error(t, err)
}
