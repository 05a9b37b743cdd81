package config

import (
	"github.com/google/uuid"

	"github.com/cuemby/rotor/pkg/types"
)

// Accessors and mutators per entity kind. The raw document is never
// handed out by the store; callers that need a full snapshot use Load
// and treat the result as immutable for the tick.

// GetAccount returns the account with the given id
func (d *Document) GetAccount(id string) (*types.Account, bool) {
	for _, a := range d.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return nil, false
}

// GetZone returns the zone with the given id
func (d *Document) GetZone(id string) (*types.Zone, bool) {
	for _, z := range d.Zones {
		if z.ID == id {
			return z, true
		}
	}
	return nil, false
}

// GetJob returns the job with the given id
func (d *Document) GetJob(id string) (*types.Job, bool) {
	for _, j := range d.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return nil, false
}

// GetAgent returns the agent with the given id
func (d *Document) GetAgent(id string) (*types.Agent, bool) {
	for _, a := range d.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return nil, false
}

// EnabledJobs returns enabled jobs in configuration order
func (d *Document) EnabledJobs() []*types.Job {
	var jobs []*types.Job
	for _, j := range d.Jobs {
		if j.Enabled {
			jobs = append(jobs, j)
		}
	}
	return jobs
}

// ZonesForAccount returns the zones referencing the account
func (d *Document) ZonesForAccount(accountID string) []*types.Zone {
	var zones []*types.Zone
	for _, z := range d.Zones {
		if z.AccountID == accountID {
			zones = append(zones, z)
		}
	}
	return zones
}

// AddAccount appends an account, generating an id when absent
func (d *Document) AddAccount(account *types.Account) {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	d.Accounts = append(d.Accounts, account)
}

// RemoveAccount deletes an account. It refuses while any zone still
// references it.
func (d *Document) RemoveAccount(id string) error {
	for _, z := range d.Zones {
		if z.AccountID == id {
			return types.Faultf(types.FaultConfig, "account %s: still referenced by zone %s", id, z.ID)
		}
	}
	for i, a := range d.Accounts {
		if a.ID == id {
			d.Accounts = append(d.Accounts[:i], d.Accounts[i+1:]...)
			return nil
		}
	}
	return types.Faultf(types.FaultConfig, "account %s: not found", id)
}

// AddJob appends a job, generating an id when absent
func (d *Document) AddJob(job *types.Job) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	d.Jobs = append(d.Jobs, job)
}

// RemoveJob deletes a job by id
func (d *Document) RemoveJob(id string) error {
	for i, j := range d.Jobs {
		if j.ID == id {
			d.Jobs = append(d.Jobs[:i], d.Jobs[i+1:]...)
			return nil
		}
	}
	return types.Faultf(types.FaultConfig, "job %s: not found", id)
}

// AddTrigger appends a trigger, generating an id when absent
func (d *Document) AddTrigger(trigger *types.Trigger) {
	if trigger.ID == "" {
		trigger.ID = uuid.New().String()
	}
	d.Triggers = append(d.Triggers, trigger)
}
