package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/banking/txmonitor/internal/domain"
	"github.com/banking/txmonitor/internal/pkg/logger"
)

// ReadFile parses a YAML or JSON rule-set file
func ReadFile(path string) (domain.RuleSet, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return decode(v)
}

func decode(v *viper.Viper) (domain.RuleSet, error) {
	if err := v.ReadInConfig(); err != nil {
		return domain.RuleSet{}, fmt.Errorf("read rule set: %w", err)
	}
	var set domain.RuleSet
	if err := v.Unmarshal(&set); err != nil {
		return domain.RuleSet{}, fmt.Errorf("%w: decode rule set: %v", domain.ErrInvalidRule, err)
	}
	return set, nil
}

// FileLoader keeps the engine in sync with a rule-set file
type FileLoader struct {
	engine *Engine
	path   string
	log    *logger.Logger

	mu sync.Mutex
}

// NewFileLoader creates a loader for path
func NewFileLoader(engine *Engine, path string, log *logger.Logger) *FileLoader {
	return &FileLoader{engine: engine, path: path, log: log.Named("rule_loader")}
}

// Load reads the file and activates its rule set
func (l *FileLoader) Load(ctx context.Context) (domain.RuleSet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	set, err := ReadFile(l.path)
	if err != nil {
		return domain.RuleSet{}, err
	}
	return l.engine.Load(ctx, set)
}

// Watch reloads the rule set whenever the file changes until ctx is done.
// A rejected reload leaves the previous version active.
func (l *FileLoader) Watch(ctx context.Context) {
	v := viper.New()
	v.SetConfigFile(l.path)
	if err := v.ReadInConfig(); err != nil {
		l.log.Warn("rule file watch disabled", logger.StringField("path", l.path), logger.ErrorField(err))
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil || !e.Has(fsnotify.Write|fsnotify.Create) {
			return
		}
		l.log.Info("rule file changed", logger.StringField("path", e.Name))
		if _, err := l.Load(ctx); err != nil {
			l.log.Error("rule reload failed", logger.ErrorField(err))
		}
	})
	v.WatchConfig()
}

// DefaultRuleSet is activated when no rule file is present. Amounts are USD cents.
func DefaultRuleSet() domain.RuleSet {
	return domain.RuleSet{
		Version: "builtin-1",
		Rules: []domain.Rule{
			{
				ID:   "structuring-ctr",
				Name: "Cash structuring below CTR threshold",
				Type: domain.RuleTypeStructuring,
				Params: domain.RuleParams{
					Window:    "24h",
					Threshold: 1_000_000,
					Proximity: 0.1,
					MinCount:  3,
				},
			},
			{
				ID:     "velocity-1h",
				Name:   "Burst of transactions",
				Type:   domain.RuleTypeVelocity,
				Params: domain.RuleParams{Window: "1h", Threshold: 10},
			},
			{
				ID:     "round-amount",
				Name:   "Round amount",
				Type:   domain.RuleTypeRoundAmount,
				Params: domain.RuleParams{Unit: 100_000, Floor: 500_000},
			},
			{
				ID:     "geo-rating",
				Name:   "Country risk rating",
				Type:   domain.RuleTypeGeographicRisk,
				Params: domain.RuleParams{MinRating: 50},
			},
			{
				ID:   "high-risk-country",
				Name: "High-risk jurisdiction",
				Type: domain.RuleTypeHighRiskCountry,
			},
		},
	}
}
