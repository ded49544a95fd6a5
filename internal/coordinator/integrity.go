package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/relaystate/internal/statestore"
)

const (
	checkChecksum      = "checksum"
	checkSchema        = "schema"
	checkSerializable  = "serializable"
	checkPropertyCount = "property_count"
	checkVersion       = "version"
)

// ValidateIntegrity runs every integrity check on stateID. The report is
// valid only when all of them pass.
func (c *Coordinator) ValidateIntegrity(stateID string) IntegrityReport {
	report := IntegrityReport{StateID: stateID, Valid: true, CheckedAt: c.now()}
	add := func(name string, err error) {
		check := IntegrityCheck{Name: name, Passed: err == nil}
		if err != nil {
			check.Message = err.Error()
			report.Valid = false
		}
		report.Checks = append(report.Checks, check)
	}

	info, err := c.store.Info(stateID)
	if err != nil {
		add("exists", err)
		return report
	}
	sum, err := c.store.Checksum(stateID)
	if err == nil && sum != info.Checksum {
		err = fmt.Errorf("stored %s, computed %s", info.Checksum, sum)
	}
	add(checkChecksum, err)
	add(checkSchema, c.store.Validate(stateID))

	value, err := c.store.GetState(c.clientID, stateID)
	if err == nil {
		err = statestore.CheckSerializable(value)
	}
	add(checkSerializable, err)

	var countErr error
	if n := countProperties(value); n > c.maxProperties {
		countErr = fmt.Errorf("%d properties exceeds limit %d", n, c.maxProperties)
	}
	add(checkPropertyCount, countErr)
	return report
}

func (r IntegrityReport) failures() string {
	var parts []string
	for _, check := range r.Checks {
		if !check.Passed {
			parts = append(parts, check.Name+": "+check.Message)
		}
	}
	return strings.Join(parts, "; ")
}

func countProperties(v any) int {
	switch typed := v.(type) {
	case map[string]any:
		n := len(typed)
		for _, child := range typed {
			n += countProperties(child)
		}
		return n
	case []any:
		n := 0
		for _, child := range typed {
			n += countProperties(child)
		}
		return n
	default:
		return 0
	}
}

// Audit inspects every active state. Findings are reported and logged but
// nothing is repaired.
func (c *Coordinator) Audit(ctx context.Context) AuditReport {
	report := AuditReport{ClientID: c.clientID, StartedAt: c.now(), Findings: []AuditFinding{}}
	add := func(stateID string, sev Severity, check string, err error) {
		report.Findings = append(report.Findings, AuditFinding{StateID: stateID, Severity: sev, Check: check, Message: err.Error()})
	}

	for _, def := range c.store.ListStates() {
		if ctx.Err() != nil {
			break
		}
		if !def.IsActive {
			continue
		}
		info, err := c.store.Info(def.StateID)
		if err != nil {
			continue
		}
		report.StatesChecked++
		if info.Version < 0 {
			add(def.StateID, SeverityCritical, checkVersion, fmt.Errorf("negative version %d", info.Version))
		}
		if value, err := c.store.GetState(c.clientID, def.StateID); err == nil {
			if err := statestore.CheckSerializable(value); err != nil {
				add(def.StateID, SeverityCritical, checkSerializable, err)
			}
		}
		if sum, err := c.store.Checksum(def.StateID); err == nil && sum != info.Checksum {
			add(def.StateID, SeverityHigh, checkChecksum, fmt.Errorf("stored %s, computed %s", info.Checksum, sum))
		}
		if err := c.store.Validate(def.StateID); err != nil {
			add(def.StateID, SeverityMedium, checkSchema, err)
		}
	}
	report.CompletedAt = c.now()

	for _, f := range report.Findings {
		c.metrics.finding(c.clientID, f.Severity)
		if f.Severity == SeverityCritical {
			c.logger.Error("audit finding", "state_id", f.StateID, "severity", f.Severity, "check", f.Check, "message", f.Message)
			continue
		}
		c.logger.Warn("audit finding", "state_id", f.StateID, "severity", f.Severity, "check", f.Check, "message", f.Message)
	}
	return report
}

func (c *Coordinator) auditLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.auditInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report := c.Audit(ctx)
			c.logger.Debug("audit complete", "states", report.StatesChecked, "findings", len(report.Findings), "took", report.CompletedAt.Sub(report.StartedAt))
		}
	}
}
