package config

import (
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/rotor/pkg/atomicfile"
	"github.com/cuemby/rotor/pkg/types"
)

// MinIntervalMinutes is the floor on job cadence, enforced on load
const MinIntervalMinutes = 5

// Document is the full operator configuration as persisted on disk.
// The engine never mutates it; the operator tooling is the single
// writer and the engine picks changes up at the next tick boundary.
type Document struct {
	Accounts []*types.Account `yaml:"accounts"`
	Zones    []*types.Zone    `yaml:"zones"`
	Jobs     []*types.Job     `yaml:"jobs"`
	Triggers []*types.Trigger `yaml:"triggers,omitempty"`
	Agents   []*types.Agent   `yaml:"agents,omitempty"`
}

// Store loads and persists the configuration document
type Store struct {
	path string
}

// NewStore creates a config store for the given file path
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the config file path
func (s *Store) Path() string {
	return s.path
}

// Load reads and validates the configuration. Any validation failure
// rejects the whole document, naming the first offending entity.
func (s *Store) Load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, types.Faultf(types.FaultConfig, "read config %s: %w", s.path, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, types.Faultf(types.FaultConfig, "parse config %s: %w", s.path, err)
	}

	if err := Validate(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Save serializes the document to a temporary sibling file, fsyncs,
// and renames it over the live file so readers never observe a torn
// document.
func (s *Store) Save(doc *Document) error {
	if err := Validate(doc); err != nil {
		return err
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return types.Faultf(types.FaultConfig, "serialize config: %w", err)
	}
	if err := atomicfile.WriteFile(s.path, data, 0600); err != nil {
		return types.Faultf(types.FaultConfig, "write config %s: %w", s.path, err)
	}
	return nil
}

// Validate checks the whole document's referential and value integrity
func Validate(doc *Document) error {
	accounts := make(map[string]*types.Account)
	for _, a := range doc.Accounts {
		if a.ID == "" {
			return types.Faultf(types.FaultConfig, "account %q: missing id", a.Name)
		}
		if _, dup := accounts[a.ID]; dup {
			return types.Faultf(types.FaultConfig, "account %s: duplicate id", a.ID)
		}
		if a.Token == "" {
			return types.Faultf(types.FaultConfig, "account %s: missing token", a.ID)
		}
		accounts[a.ID] = a
	}

	zones := make(map[string]*types.Zone)
	for _, z := range doc.Zones {
		if z.ID == "" {
			return types.Faultf(types.FaultConfig, "zone %q: missing id", z.Name)
		}
		if _, dup := zones[z.ID]; dup {
			return types.Faultf(types.FaultConfig, "zone %s: duplicate id", z.ID)
		}
		if _, ok := accounts[z.AccountID]; !ok {
			return types.Faultf(types.FaultConfig, "zone %s: unknown account %s", z.ID, z.AccountID)
		}
		zones[z.ID] = z
	}

	jobIDs := make(map[string]bool)
	for _, j := range doc.Jobs {
		if err := validateJob(j, accounts, zones); err != nil {
			return err
		}
		if jobIDs[j.ID] {
			return types.Faultf(types.FaultConfig, "job %s: duplicate id", j.ID)
		}
		jobIDs[j.ID] = true
	}

	agents := make(map[string]*types.Agent)
	for _, a := range doc.Agents {
		if a.ID == "" {
			return types.Faultf(types.FaultConfig, "agent %q: missing id", a.Name)
		}
		if _, dup := agents[a.ID]; dup {
			return types.Faultf(types.FaultConfig, "agent %s: duplicate id", a.ID)
		}
		if a.BaseURL == "" {
			return types.Faultf(types.FaultConfig, "agent %s: missing base_url", a.ID)
		}
		agents[a.ID] = a
	}

	triggerIDs := make(map[string]bool)
	for _, t := range doc.Triggers {
		if t.ID == "" {
			return types.Faultf(types.FaultConfig, "trigger %q: missing id", t.Label)
		}
		if triggerIDs[t.ID] {
			return types.Faultf(types.FaultConfig, "trigger %s: duplicate id", t.ID)
		}
		triggerIDs[t.ID] = true
		if _, ok := agents[t.AgentID]; !ok {
			return types.Faultf(types.FaultConfig, "trigger %s: unknown agent %s", t.ID, t.AgentID)
		}
		switch t.Window {
		case types.TriggerWindowDaily, types.TriggerWindowWeekly, types.TriggerWindowMonthly:
		default:
			return types.Faultf(types.FaultConfig, "trigger %s: invalid window %q", t.ID, t.Window)
		}
		if t.LimitGB <= 0 {
			return types.Faultf(types.FaultConfig, "trigger %s: limit_gb must be positive", t.ID)
		}
	}

	return nil
}

func validateJob(j *types.Job, accounts map[string]*types.Account, zones map[string]*types.Zone) error {
	if j.ID == "" {
		return types.Faultf(types.FaultConfig, "job: missing id")
	}
	if _, ok := accounts[j.AccountID]; !ok {
		return types.Faultf(types.FaultConfig, "job %s: unknown account %s", j.ID, j.AccountID)
	}
	zone, ok := zones[j.ZoneID]
	if !ok {
		return types.Faultf(types.FaultConfig, "job %s: unknown zone %s", j.ID, j.ZoneID)
	}
	if zone.AccountID != j.AccountID {
		return types.Faultf(types.FaultConfig, "job %s: zone %s belongs to account %s, not %s", j.ID, j.ZoneID, zone.AccountID, j.AccountID)
	}
	if j.IntervalMinutes < MinIntervalMinutes {
		return types.Faultf(types.FaultConfig, "job %s: interval_minutes %d below minimum %d", j.ID, j.IntervalMinutes, MinIntervalMinutes)
	}

	payloads := 0
	for _, set := range []bool{j.Single != nil, j.MultiPool != nil, j.Shuffle != nil} {
		if set {
			payloads++
		}
	}
	if payloads > 1 {
		return types.Faultf(types.FaultConfig, "job %s: more than one kind payload set", j.ID)
	}

	switch j.Kind {
	case types.JobKindSingle:
		if j.Single == nil {
			return types.Faultf(types.FaultConfig, "job %s: missing single payload", j.ID)
		}
		if j.Single.RecordID == "" {
			return types.Faultf(types.FaultConfig, "job %s: missing record_id", j.ID)
		}
		if err := validatePool(j.ID, j.Single.IPPool, j.Single.RecordType, 1); err != nil {
			return err
		}
	case types.JobKindMultiPool:
		if j.MultiPool == nil {
			return types.Faultf(types.FaultConfig, "job %s: missing multipool payload", j.ID)
		}
		n := len(j.MultiPool.RecordIDs)
		if n < 1 {
			return types.Faultf(types.FaultConfig, "job %s: multipool needs at least one record", j.ID)
		}
		if err := validatePool(j.ID, j.MultiPool.IPPool, j.MultiPool.RecordType, n); err != nil {
			return err
		}
	case types.JobKindShuffle:
		if j.Shuffle == nil {
			return types.Faultf(types.FaultConfig, "job %s: missing shuffle payload", j.ID)
		}
		n := len(j.Shuffle.RecordIDs)
		if n < 2 {
			return types.Faultf(types.FaultConfig, "job %s: shuffle needs at least two records", j.ID)
		}
		if j.Shuffle.Shift == 0 {
			j.Shuffle.Shift = 1 // Default shift
		}
		if j.Shuffle.Shift < 1 || j.Shuffle.Shift >= n {
			return types.Faultf(types.FaultConfig, "job %s: shift %d outside [1,%d)", j.ID, j.Shuffle.Shift, n)
		}
	default:
		return types.Faultf(types.FaultConfig, "job %s: unknown kind %q", j.ID, j.Kind)
	}

	return nil
}

func validatePool(jobID string, pool []string, recordType types.RecordType, minSize int) error {
	if recordType != types.RecordTypeA && recordType != types.RecordTypeAAAA {
		return types.Faultf(types.FaultConfig, "job %s: invalid record_type %q", jobID, recordType)
	}
	if len(pool) < minSize {
		return types.Faultf(types.FaultConfig, "job %s: ip_pool needs at least %d entries, has %d", jobID, minSize, len(pool))
	}
	for _, ip := range pool {
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return types.Faultf(types.FaultConfig, "job %s: ip_pool entry %q: %v", jobID, ip, err)
		}
		if recordType == types.RecordTypeA && !addr.Is4() {
			return types.Faultf(types.FaultConfig, "job %s: ip_pool entry %q is not IPv4 for an A record", jobID, ip)
		}
		if recordType == types.RecordTypeAAAA && !addr.Is6() {
			return types.Faultf(types.FaultConfig, "job %s: ip_pool entry %q is not IPv6 for an AAAA record", jobID, ip)
		}
	}
	return nil
}
