package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DescendantStrict  = "strict"
	DescendantRelaxed = "relaxed"

	defaultLeaseSeconds = 300
	defaultCASRetries   = 5

	// MaxLeaseSeconds is the largest timeout WebDAV can express (Second-n
	// with n below 2^32). Longer requests are clamped to it.
	MaxLeaseSeconds = math.MaxUint32
)

// LockPolicy tunes lease lengths and the conflict checks of the lock manager.
type LockPolicy struct {
	DefaultTimeoutSeconds int64  `yaml:"default_timeout_seconds"`
	MaxTimeoutSeconds     int64  `yaml:"max_timeout_seconds"`
	DescendantCheck       string `yaml:"descendant_check"`
	CASRetries            int    `yaml:"cas_retries"`
	SweepIntervalSeconds  int64  `yaml:"sweep_interval_seconds"`
}

// DefaultLockPolicy grants 300 second leases, scans descendants on deep
// grants and never sweeps.
func DefaultLockPolicy() LockPolicy {
	return LockPolicy{
		DefaultTimeoutSeconds: defaultLeaseSeconds,
		DescendantCheck:       DescendantStrict,
		CASRetries:            defaultCASRetries,
	}
}

// Lease resolves a requested timeout into a lease length. Non-positive
// requests get the default lease; positive ones are capped by the maximum
// and never exceed MaxLeaseSeconds.
func (p LockPolicy) Lease(timeoutSeconds int64) time.Duration {
	secs := timeoutSeconds
	if secs <= 0 {
		secs = p.DefaultTimeoutSeconds
		if secs <= 0 {
			secs = defaultLeaseSeconds
		}
	}
	if p.MaxTimeoutSeconds > 0 && secs > p.MaxTimeoutSeconds {
		secs = p.MaxTimeoutSeconds
	}
	if secs > MaxLeaseSeconds {
		secs = MaxLeaseSeconds
	}
	return time.Duration(secs) * time.Second
}

// Relaxed reports whether deep grants skip the descendant scan.
func (p LockPolicy) Relaxed() bool {
	return p.DescendantCheck == DescendantRelaxed
}

func (p LockPolicy) SweepInterval() time.Duration {
	return time.Duration(p.SweepIntervalSeconds) * time.Second
}

// LoadPolicy loads a YAML lock policy file; returns defaults if path is empty.
func LoadPolicy(path string) (LockPolicy, error) {
	if path == "" {
		return DefaultLockPolicy(), nil
	}
	// #nosec G304 -- policy path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultLockPolicy(), fmt.Errorf("read lock policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy validates and parses lock policy data from YAML/JSON bytes.
func ParsePolicy(data []byte) (LockPolicy, error) {
	if len(data) == 0 {
		return DefaultLockPolicy(), nil
	}
	if err := validateConfigSchema("lock policy", lockPolicySchemaFile, data); err != nil {
		return DefaultLockPolicy(), err
	}
	var p LockPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return DefaultLockPolicy(), fmt.Errorf("parse lock policy: %w", err)
	}
	def := DefaultLockPolicy()
	if p.DefaultTimeoutSeconds == 0 {
		p.DefaultTimeoutSeconds = def.DefaultTimeoutSeconds
	}
	if p.DescendantCheck == "" {
		p.DescendantCheck = def.DescendantCheck
	}
	if p.CASRetries == 0 {
		p.CASRetries = def.CASRetries
	}
	if p.MaxTimeoutSeconds > 0 && p.DefaultTimeoutSeconds > p.MaxTimeoutSeconds {
		return def, fmt.Errorf("lock policy: default_timeout_seconds %d exceeds max_timeout_seconds %d",
			p.DefaultTimeoutSeconds, p.MaxTimeoutSeconds)
	}
	return p, nil
}
