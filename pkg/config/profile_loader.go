package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// RetentionProfile is a jurisdiction- or contract-specific retention
// policy applied to a tenant at creation. It is stored on the tenant row
// as JSON and never interpreted by the core; downstream retention jobs
// read it.
type RetentionProfile struct {
	Name           string `yaml:"name" json:"name"`
	Code           string `yaml:"code" json:"code"`
	MaxDays        int    `yaml:"max_days" json:"max_days"`
	AuditLogDays   int    `yaml:"audit_log_days" json:"audit_log_days"`
	LitigationHold bool   `yaml:"litigation_hold" json:"litigation_hold"`
}

// DefaultRetentionProfile applies when tenant creation names no profile:
// records for seven years, audit trail for ten.
func DefaultRetentionProfile() *RetentionProfile {
	return &RetentionProfile{
		Name:         "Default",
		Code:         "default",
		MaxDays:      2555,
		AuditLogDays: 3650,
	}
}

// Validate rejects profiles that could orphan audit evidence.
func (p *RetentionProfile) Validate() error {
	if p.MaxDays <= 0 {
		return fmt.Errorf("profile %q: max_days must be positive, got %d", p.Code, p.MaxDays)
	}
	if !p.LitigationHold && p.AuditLogDays < p.MaxDays {
		return fmt.Errorf("profile %q: audit_log_days (%d) must cover max_days (%d)", p.Code, p.AuditLogDays, p.MaxDays)
	}
	return nil
}

// PolicyJSON renders the profile for the tenant row.
func (p *RetentionProfile) PolicyJSON() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode profile %q: %w", p.Code, err)
	}
	return string(b), nil
}

// LoadProfile loads a retention profile YAML by code. It searches the
// profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*RetentionProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile RetentionProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}
	if profile.Code == "" {
		profile.Code = code
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*RetentionProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*RetentionProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile RetentionProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Code == "" {
			// Extract code from filename: profile_hipaa.yaml -> hipaa
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		if err := profile.Validate(); err != nil {
			return nil, err
		}
		profiles[profile.Code] = &profile
	}

	return profiles, nil
}
