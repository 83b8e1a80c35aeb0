package linking

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mhmd-249/cbi/internal/conversation"
)

// DiseaseThreshold holds the case counts that raise the alert type within
// the disease's recency window.
type DiseaseThreshold struct {
	Cluster  int `yaml:"cluster"`
	Outbreak int `yaml:"outbreak"`
	// WindowDays bounds both the area case count and link discovery.
	WindowDays int `yaml:"window_days"`
	// CriticalOnDeath forces critical urgency and a suspected outbreak on any death.
	CriticalOnDeath bool `yaml:"critical_on_death"`
}

// Table is the tunable urgency and threshold configuration.
type Table struct {
	DefaultWindowDays  int                                       `yaml:"default_window_days"`
	LargeOutbreakCases int                                       `yaml:"large_outbreak_cases"`
	HighCases          int                                       `yaml:"high_cases"`
	CriticalDiseases   []conversation.Disease                    `yaml:"critical_diseases"`
	Diseases           map[conversation.Disease]DiseaseThreshold `yaml:"diseases"`
}

// DefaultTable returns the built-in thresholds.
func DefaultTable() *Table {
	return &Table{
		DefaultWindowDays:  7,
		LargeOutbreakCases: 10,
		HighCases:          3,
		CriticalDiseases:   []conversation.Disease{conversation.DiseaseCholera, conversation.DiseaseMeningitis},
		Diseases: map[conversation.Disease]DiseaseThreshold{
			conversation.DiseaseCholera:    {Cluster: 1, Outbreak: 3, WindowDays: 7, CriticalOnDeath: true},
			conversation.DiseaseDengue:     {Cluster: 5, Outbreak: 20, WindowDays: 7, CriticalOnDeath: true},
			conversation.DiseaseMalaria:    {Cluster: 10, Outbreak: 50, WindowDays: 7, CriticalOnDeath: false},
			conversation.DiseaseMeasles:    {Cluster: 1, Outbreak: 5, WindowDays: 14, CriticalOnDeath: true},
			conversation.DiseaseMeningitis: {Cluster: 1, Outbreak: 3, WindowDays: 7, CriticalOnDeath: true},
		},
	}
}

// LoadTable reads a YAML threshold file. Fields the file omits keep their
// built-in values; diseases listed in the file replace the built-in entry.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read thresholds: %w", err)
	}
	return ParseTable(data)
}

// ParseTable decodes YAML threshold data over the defaults.
func ParseTable(data []byte) (*Table, error) {
	var file Table
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse thresholds: %w", err)
	}

	t := DefaultTable()
	if file.DefaultWindowDays > 0 {
		t.DefaultWindowDays = file.DefaultWindowDays
	}
	if file.LargeOutbreakCases > 0 {
		t.LargeOutbreakCases = file.LargeOutbreakCases
	}
	if file.HighCases > 0 {
		t.HighCases = file.HighCases
	}
	if file.CriticalDiseases != nil {
		t.CriticalDiseases = file.CriticalDiseases
	}
	for d, th := range file.Diseases {
		if d == conversation.DiseaseUnknown {
			return nil, fmt.Errorf("thresholds: %q cannot carry thresholds", d)
		}
		if th.Cluster <= 0 || th.Outbreak < th.Cluster {
			return nil, fmt.Errorf("thresholds: %s: need 0 < cluster <= outbreak, got %d/%d", d, th.Cluster, th.Outbreak)
		}
		if th.WindowDays <= 0 {
			th.WindowDays = t.DefaultWindowDays
		}
		t.Diseases[d] = th
	}
	return t, nil
}

// Lookup returns the thresholds for d. ok is false for diseases without
// configured thresholds, including unknown.
func (t *Table) Lookup(d conversation.Disease) (DiseaseThreshold, bool) {
	th, ok := t.Diseases[d]
	return th, ok
}

// Window is the recency window used for d.
func (t *Table) Window(d conversation.Disease) time.Duration {
	days := t.DefaultWindowDays
	if th, ok := t.Diseases[d]; ok && th.WindowDays > 0 {
		days = th.WindowDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// IsCritical reports whether d always forces critical urgency.
func (t *Table) IsCritical(d conversation.Disease) bool {
	return slices.Contains(t.CriticalDiseases, d)
}

// Urgency scores a report deterministically. Critical is forced for a
// critical disease, an area count at the large-outbreak cutoff, or deaths on
// a critical-on-death disease. Deaths on any other disease raise the result
// to at least high. Otherwise the count-derived level is combined with the
// proposal, taking the higher.
func (t *Table) Urgency(d conversation.Disease, proposed Urgency, areaCases, deaths int) Urgency {
	th, hasThresholds := t.Lookup(d)
	switch {
	case t.IsCritical(d),
		areaCases >= t.LargeOutbreakCases,
		deaths > 0 && hasThresholds && th.CriticalOnDeath:
		return UrgencyCritical
	}

	derived := UrgencyMedium
	if areaCases >= t.HighCases {
		derived = UrgencyHigh
	}
	if deaths > 0 {
		derived = MaxUrgency(derived, UrgencyHigh)
	}
	if proposed.Rank() < 0 {
		proposed = UrgencyMedium
	}
	return MaxUrgency(derived, proposed)
}

// Evaluation is the outcome of a threshold check.
type Evaluation struct {
	AlertType AlertType
	Exceeded  bool
	Detail    string
}

// Evaluate applies the disease thresholds to the area case count. Diseases
// without thresholds never rise above single_case.
func (t *Table) Evaluate(d conversation.Disease, areaCases, deaths int) Evaluation {
	th, ok := t.Lookup(d)
	if !ok {
		return Evaluation{AlertType: AlertSingleCase, Detail: fmt.Sprintf("no thresholds configured for %s", d)}
	}
	switch {
	case areaCases >= th.Outbreak:
		return Evaluation{AlertType: AlertSuspectedOutbreak, Exceeded: true,
			Detail: fmt.Sprintf("outbreak threshold exceeded: %d cases (threshold %d) within %d days", areaCases, th.Outbreak, th.WindowDays)}
	case deaths > 0 && th.CriticalOnDeath:
		return Evaluation{AlertType: AlertSuspectedOutbreak, Exceeded: true,
			Detail: fmt.Sprintf("death reported for %s", d)}
	case areaCases >= th.Cluster:
		return Evaluation{AlertType: AlertCluster, Exceeded: true,
			Detail: fmt.Sprintf("alert threshold reached: %d cases (threshold %d) within %d days", areaCases, th.Cluster, th.WindowDays)}
	}
	return Evaluation{AlertType: AlertSingleCase, Detail: fmt.Sprintf("below alert threshold for %s", d)}
}

// AlertType combines a threshold evaluation with the proposed alert type,
// keeping the higher of the two. A rumor proposal stands while no threshold
// is exceeded. Diseases without thresholds keep single_case or rumor.
func (t *Table) AlertType(d conversation.Disease, proposed AlertType, ev Evaluation) AlertType {
	if proposed == AlertRumor && !ev.Exceeded {
		return AlertRumor
	}
	if _, ok := t.Lookup(d); !ok {
		return AlertSingleCase
	}
	if proposed.rank() > ev.AlertType.rank() {
		return proposed
	}
	return ev.AlertType
}
