package resolver

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/iudanet/edgesync/internal/models"
)

// EntityPolicy настройки разрешения конфликтов для одного типа сущности
type EntityPolicy struct {
	Strategy  models.Strategy `yaml:"strategy"`
	Mergeable []string        `yaml:"mergeable"`
}

// Policy сопоставляет тип сущности со стратегией по умолчанию и списком mergeable полей.
// Стратегия, отличная от explicit, разрешает конфликт сразу при обнаружении.
type Policy struct {
	EntityTypes     map[string]EntityPolicy `yaml:"entity_types"`
	DefaultStrategy models.Strategy         `yaml:"default_strategy"`
}

// DefaultPolicy все конфликты передаются вызывающему для явного разрешения
func DefaultPolicy() *Policy {
	return &Policy{DefaultStrategy: models.StrategyExplicit}
}

// LoadPolicy читает политику из YAML файла. Пустой путь означает DefaultPolicy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	return ParsePolicy(data)
}

// ParsePolicy разбирает YAML политику и проверяет имена стратегий.
func ParsePolicy(data []byte) (*Policy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	if p.DefaultStrategy == "" {
		p.DefaultStrategy = models.StrategyExplicit
	}
	if _, err := models.ParseStrategy(string(p.DefaultStrategy)); err != nil {
		return nil, fmt.Errorf("default_strategy: %w", err)
	}
	for entityType, ep := range p.EntityTypes {
		if ep.Strategy == "" {
			continue
		}
		if _, err := models.ParseStrategy(string(ep.Strategy)); err != nil {
			return nil, fmt.Errorf("entity_types.%s: %w", entityType, err)
		}
	}

	return p, nil
}

// StrategyFor возвращает стратегию по умолчанию для типа сущности
func (p *Policy) StrategyFor(entityType string) models.Strategy {
	if ep, ok := p.EntityTypes[entityType]; ok && ep.Strategy != "" {
		return ep.Strategy
	}
	return p.DefaultStrategy
}

// MergeableFields возвращает множество полей, для которых при двустороннем
// изменении побеждает значение клиента
func (p *Policy) MergeableFields(entityType string) map[string]bool {
	ep, ok := p.EntityTypes[entityType]
	if !ok || len(ep.Mergeable) == 0 {
		return nil
	}
	out := make(map[string]bool, len(ep.Mergeable))
	for _, name := range ep.Mergeable {
		out[name] = true
	}
	return out
}
