package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// PostgresSource loads the configuration snapshot from Postgres instead of a
// YAML file. Providers come from provider_definitions (ordered by position),
// rules from security_rules (rule order is the evaluation order), and the
// blocklist, rate limits and default decision from the single-row
// policy_settings table.
type PostgresSource struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresSource creates a source backed by the given database handle.
func NewPostgresSource(db *sql.DB, logger *zap.Logger) *PostgresSource {
	return &PostgresSource{db: db, logger: logger}
}

// Load fetches and validates a full configuration snapshot.
func (s *PostgresSource) Load(ctx context.Context) (*Config, error) {
	var c Config

	providers, err := s.loadProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	c.Providers = providers

	rules, err := s.loadRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	c.Rules = rules

	if err := s.loadSettings(ctx, &c); err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	if err := Validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

type providerRow struct {
	Name        string
	Description sql.NullString
	Command     string // JSONB array
	Address     sql.NullString
	Env         string // JSONB object
	Permissions string // JSONB object
	Enabled     bool
}

func (s *PostgresSource) loadProviders(ctx context.Context) ([]Provider, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description, command, address, env, permissions, enabled
		FROM provider_definitions
		ORDER BY position, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []Provider
	for rows.Next() {
		var r providerRow
		if err := rows.Scan(&r.Name, &r.Description, &r.Command, &r.Address, &r.Env, &r.Permissions, &r.Enabled); err != nil {
			return nil, err
		}
		p, err := parseProviderRow(&r)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

func parseProviderRow(r *providerRow) (Provider, error) {
	p := Provider{Name: r.Name, Enabled: r.Enabled}
	if r.Description.Valid {
		p.Description = r.Description.String
	}
	if r.Address.Valid {
		p.Address = r.Address.String
	}
	if r.Command != "" && r.Command != "[]" && r.Command != "null" {
		if err := json.Unmarshal([]byte(r.Command), &p.Command); err != nil {
			return Provider{}, fmt.Errorf("provider %q: command: %w", r.Name, err)
		}
	}
	if r.Env != "" && r.Env != "{}" && r.Env != "null" {
		if err := json.Unmarshal([]byte(r.Env), &p.Env); err != nil {
			return Provider{}, fmt.Errorf("provider %q: env: %w", r.Name, err)
		}
	}
	if r.Permissions != "" && r.Permissions != "{}" && r.Permissions != "null" {
		if err := json.Unmarshal([]byte(r.Permissions), &p.Permissions); err != nil {
			return Provider{}, fmt.Errorf("provider %q: permissions: %w", r.Name, err)
		}
	}
	return p, nil
}

func (s *PostgresSource) loadRules(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, operation_type, provider_pattern, tool_pattern,
		       resource_pattern, outcome, description
		FROM security_rules
		ORDER BY position
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		var op, provider, tool, resource, description sql.NullString
		if err := rows.Scan(&r.Name, &op, &provider, &tool, &resource, &r.Outcome, &description); err != nil {
			return nil, err
		}
		r.Operation = op.String
		r.Provider = provider.String
		r.Tool = tool.String
		r.Resource = resource.String
		r.Description = description.String
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *PostgresSource) loadSettings(ctx context.Context, c *Config) error {
	row := s.db.QueryRowContext(ctx, `
		SELECT blocklist, rate_limits, default_decision, audit_file
		FROM policy_settings
		LIMIT 1
	`)

	var blocklist, limits string
	var defaultDecision, auditFile sql.NullString
	if err := row.Scan(&blocklist, &limits, &defaultDecision, &auditFile); err != nil {
		if err == sql.ErrNoRows {
			s.logger.Info("no policy_settings row, using defaults")
			return nil
		}
		return err
	}

	if blocklist != "" && blocklist != "{}" {
		if err := json.Unmarshal([]byte(blocklist), &c.Blocklist); err != nil {
			return fmt.Errorf("blocklist: %w", err)
		}
	}
	if limits != "" && limits != "{}" {
		if err := json.Unmarshal([]byte(limits), &c.RateLimits); err != nil {
			return fmt.Errorf("rate_limits: %w", err)
		}
	}
	c.DefaultDecision = defaultDecision.String
	c.AuditFile = auditFile.String
	return nil
}
