package session

import (
	"fmt"

	"mqttlens/config"
	"mqttlens/rule"
)

// RuleInfo is the API view of a rule.
type RuleInfo struct {
	Name        string   `json:"name"`
	SQL         string   `json:"sql"`
	Enabled     bool     `json:"enabled"`
	Status      string   `json:"status"`
	Select      []string `json:"select"`
	From        string   `json:"from"`
	Description string   `json:"description"`
}

func ruleInfo(r *rule.Rule) RuleInfo {
	return RuleInfo{
		Name:        r.Name,
		SQL:         r.SQL,
		Enabled:     r.Enabled,
		Status:      r.Status().String(),
		Select:      r.SelectFields,
		From:        r.FromTopic,
		Description: r.Describe(),
	}
}

// RecordsFromConfig converts persisted rules to engine records.
func RecordsFromConfig(rules []config.RuleConfig) []rule.Record {
	out := make([]rule.Record, len(rules))
	for i, r := range rules {
		out[i] = rule.Record{Name: r.Name, SQL: r.SQL, Enabled: r.Enabled}
	}
	return out
}

// RecordsToConfig converts engine records to their persisted form.
func RecordsToConfig(records []rule.Record) []config.RuleConfig {
	out := make([]config.RuleConfig, len(records))
	for i, r := range records {
		out[i] = config.RuleConfig{Name: r.Name, SQL: r.SQL, Enabled: r.Enabled}
	}
	return out
}

// Rules lists every rule in insertion order.
func (s *Session) Rules() []RuleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.rules.All()
	out := make([]RuleInfo, len(all))
	for i, r := range all {
		out[i] = ruleInfo(r)
	}
	return out
}

// Rule returns one rule by name.
func (s *Session) Rule(name string) (RuleInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rules.Get(name)
	if r == nil {
		return RuleInfo{}, fmt.Errorf("%w: %s", rule.ErrRuleNotFound, name)
	}
	return ruleInfo(r), nil
}

// AddRule compiles sql and installs it enabled under name, replacing any
// rule with the same name.
func (s *Session) AddRule(name, sql string) (RuleInfo, error) {
	r, err := rule.NewWithParser(name, sql, s.parser)
	if err != nil {
		return RuleInfo{}, err
	}
	s.mu.Lock()
	s.rules.Add(r)
	s.mu.Unlock()
	s.logger.Info().Str("rule", name).Msg("rule added")
	return ruleInfo(r), nil
}

// RemoveRule deletes a rule.
func (s *Session) RemoveRule(name string) error {
	s.mu.Lock()
	ok := s.rules.Remove(name)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", rule.ErrRuleNotFound, name)
	}
	s.logger.Info().Str("rule", name).Msg("rule removed")
	return nil
}

// SetRuleEnabled enables or disables a rule.
func (s *Session) SetRuleEnabled(name string, enabled bool) error {
	s.mu.Lock()
	var ok bool
	if enabled {
		ok = s.rules.Enable(name)
	} else {
		ok = s.rules.Disable(name)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", rule.ErrRuleNotFound, name)
	}
	return nil
}

// ClearRules removes every rule.
func (s *Session) ClearRules() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules.Clear()
}

// ExportRules returns every rule as a record.
func (s *Session) ExportRules() []rule.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules.Export()
}

// ImportRules adds records to the engine. Nothing is added if any record
// fails to compile.
func (s *Session) ImportRules(records []rule.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules.Import(records, s.parser)
}

// SaveRules writes every rule to a YAML rule file.
func (s *Session) SaveRules(path string) error {
	return config.SaveRules(path, RecordsToConfig(s.ExportRules()))
}

// LoadRules imports a YAML rule file.
func (s *Session) LoadRules(path string) error {
	rules, err := config.LoadRules(path)
	if err != nil {
		return err
	}
	return s.ImportRules(RecordsFromConfig(rules))
}
