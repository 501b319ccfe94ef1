package fieldmap

import (
	"context"
	"fmt"
	"strings"

	common_models "brd-sync/internal/common/models"
	"brd-sync/internal/features/audit"

	"go.uber.org/zap"
)

type RuleService interface {
	ListRules(ctx context.Context) ([]Rule, error)
	ActiveRules(ctx context.Context) ([]Rule, error)
	GetRule(ctx context.Context, id string) (*Rule, error)
	CreateRule(ctx context.Context, rule *Rule) error
	UpdateRule(ctx context.Context, id string, rule *Rule) error
	DeleteRule(ctx context.Context, id string) error
	SeedDefaults(ctx context.Context) error
}

type RuleServiceImpl struct {
	Repo         RuleRepository
	Engine       *Engine
	AuditService audit.AuditService
	Logger       *zap.Logger
}

func NewRuleService(repo RuleRepository, engine *Engine, auditService audit.AuditService, logger *zap.Logger) RuleService {
	return &RuleServiceImpl{
		Repo:         repo,
		Engine:       engine,
		AuditService: auditService,
		Logger:       logger,
	}
}

func (s *RuleServiceImpl) ListRules(ctx context.Context) ([]Rule, error) {
	return s.Repo.List(ctx, false)
}

// ActiveRules is the ordered rule set a sync pass runs with.
func (s *RuleServiceImpl) ActiveRules(ctx context.Context) ([]Rule, error) {
	return s.Repo.List(ctx, true)
}

func (s *RuleServiceImpl) GetRule(ctx context.Context, id string) (*Rule, error) {
	return s.Repo.FindByID(ctx, id)
}

func (s *RuleServiceImpl) CreateRule(ctx context.Context, rule *Rule) error {
	if err := s.validate(rule); err != nil {
		return err
	}
	rule.IsCustom = true
	if err := s.Repo.Create(ctx, rule); err != nil {
		return err
	}

	_ = s.AuditService.LogChange(ctx, common_models.AuditActionSettings, "fieldmap", rule.ID.Hex(), map[string]common_models.Change{
		"rule": {New: rule.SourceField + " -> " + rule.TargetField},
	})
	return nil
}

func (s *RuleServiceImpl) UpdateRule(ctx context.Context, id string, rule *Rule) error {
	existing, err := s.Repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.validate(rule); err != nil {
		return err
	}
	rule.IsCustom = existing.IsCustom
	rule.CreatedAt = existing.CreatedAt

	if err := s.Repo.Update(ctx, id, rule); err != nil {
		return err
	}

	changes := map[string]common_models.Change{}
	if existing.Active != rule.Active {
		changes["active"] = common_models.Change{Old: existing.Active, New: rule.Active}
	}
	if existing.Transform != rule.Transform {
		changes["transform"] = common_models.Change{Old: existing.Transform, New: rule.Transform}
	}
	if existing.Direction != rule.Direction {
		changes["direction"] = common_models.Change{Old: existing.Direction, New: rule.Direction}
	}
	_ = s.AuditService.LogChange(ctx, common_models.AuditActionSettings, "fieldmap", id, changes)
	return nil
}

func (s *RuleServiceImpl) DeleteRule(ctx context.Context, id string) error {
	if err := s.Repo.Delete(ctx, id); err != nil {
		return err
	}
	_ = s.AuditService.LogChange(ctx, common_models.AuditActionSettings, "fieldmap", id, map[string]common_models.Change{
		"deleted": {New: true},
	})
	return nil
}

// SeedDefaults inserts the default rule set into an empty collection.
func (s *RuleServiceImpl) SeedDefaults(ctx context.Context) error {
	n, err := s.Repo.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	for _, rule := range DefaultRules() {
		rule := rule
		if err := s.Repo.Create(ctx, &rule); err != nil {
			return fmt.Errorf("failed to seed rule %s: %w", rule.SourceField, err)
		}
	}
	s.Logger.Info("Seeded default field mapping rules", zap.Int("count", len(DefaultRules())))
	return nil
}

func (s *RuleServiceImpl) validate(rule *Rule) error {
	rule.SourceField = strings.TrimSpace(rule.SourceField)
	rule.TargetField = strings.TrimSpace(rule.TargetField)

	if rule.SourceField == "" {
		return &ValidationError{Field: "source_field", Reason: "is required"}
	}
	if rule.TargetField == "" {
		return &ValidationError{Field: "target_field", Reason: "is required"}
	}
	if !rule.Direction.Valid() {
		return &ValidationError{Field: "direction", Reason: fmt.Sprintf("unknown direction %q", rule.Direction)}
	}
	if !s.Engine.HasTransform(rule.Transform) {
		return &ValidationError{Field: "transform", Reason: fmt.Sprintf("no transform registered as %q", rule.Transform)}
	}
	if rule.Transform == TransformScript && rule.Direction == Bidirectional {
		if src, _ := rule.TransformConfig["reverse_script"].(string); src == "" {
			return &ValidationError{Field: "transform_config", Reason: "bidirectional script rules need reverse_script"}
		}
	}
	return nil
}
