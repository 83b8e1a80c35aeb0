package conversation

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Count is a lenient non-negative integer from the service reply. It
// accepts JSON numbers and numeric strings; anything else leaves it unset.
type Count struct {
	Value int
	Set   bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Count) UnmarshalJSON(b []byte) error {
	*c = Count{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		var s string
		if json.Unmarshal(b, &s) != nil {
			return nil
		}
		parsed, perr := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if perr != nil {
			return nil
		}
		f = parsed
	}
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt32 {
		return nil
	}
	*c = Count{Value: int(f), Set: true}
	return nil
}

// Update is a field-update object returned by the service. Nil and empty
// values mean "no information".
type Update struct {
	Symptoms             []string `json:"symptoms"`
	SuspectedDisease     *string  `json:"suspected_disease"`
	LocationText         *string  `json:"location_text"`
	LocationNormalized   *string  `json:"location_normalized"`
	OnsetText            *string  `json:"onset_text"`
	CasesCount           Count    `json:"cases_count"`
	DeathsCount          Count    `json:"deaths_count"`
	AffectedDescription  *string  `json:"affected_description"`
	ReporterRelationship *string  `json:"reporter_relationship"`
}

// Merge applies u to d. Scalars are overwritten only by non-empty values,
// symptoms are unioned in first-seen order, the disease is coerced to the
// closed set and never downgraded to unknown, and an unrecognized reporter
// relationship is dropped.
func Merge(d ExtractedData, u Update) ExtractedData {
	d.Symptoms = unionStrings(d.Symptoms, u.Symptoms)

	if s := nonEmpty(u.SuspectedDisease); s != "" {
		if dis := CoerceDisease(s); dis != DiseaseUnknown || d.SuspectedDisease == "" {
			d.SuspectedDisease = dis
		}
	}
	if d.SuspectedDisease == "" {
		d.SuspectedDisease = DiseaseUnknown
	}
	if s := nonEmpty(u.LocationText); s != "" {
		d.LocationText = s
	}
	if s := nonEmpty(u.LocationNormalized); s != "" {
		d.LocationNormalized = s
	}
	if s := nonEmpty(u.OnsetText); s != "" {
		d.OnsetText = s
	}
	if u.CasesCount.Set {
		v := u.CasesCount.Value
		d.CasesCount = &v
	}
	if u.DeathsCount.Set {
		v := u.DeathsCount.Value
		d.DeathsCount = &v
	}
	if s := nonEmpty(u.AffectedDescription); s != "" {
		d.AffectedDescription = s
	}
	if s := nonEmpty(u.ReporterRelationship); s != "" {
		if r, ok := CoerceRelationship(s); ok {
			d.ReporterRelationship = r
		}
	}
	return d
}

func nonEmpty(p *string) string {
	if p == nil {
		return ""
	}
	s := strings.TrimSpace(*p)
	if strings.EqualFold(s, "null") || strings.EqualFold(s, "none") {
		return ""
	}
	return s
}

// unionStrings appends new values not already present (case-insensitive),
// preserving first-seen order and spelling.
func unionStrings(base, add []string) []string {
	out := make([]string, 0, len(base)+len(add))
	seen := make(map[string]struct{}, len(base)+len(add))
	for _, list := range [][]string{base, add} {
		for _, v := range list {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			k := strings.ToLower(v)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

var mvsWeights = []struct {
	field  string
	weight float64
	has    func(ExtractedData) bool
}{
	{"symptoms", 0.25, func(d ExtractedData) bool { return len(d.Symptoms) > 0 }},
	{"location_text", 0.25, func(d ExtractedData) bool { return d.LocationText != "" }},
	{"onset_text", 0.20, func(d ExtractedData) bool { return d.OnsetText != "" }},
	{"cases_count", 0.15, func(d ExtractedData) bool { return d.CasesCount != nil }},
	{"reporter_relationship", 0.10, func(d ExtractedData) bool { return d.ReporterRelationship != "" }},
	{"affected_description", 0.05, func(d ExtractedData) bool { return d.AffectedDescription != "" }},
}

// Completeness is the weighted share of signal fields present, rounded to
// two decimals.
func Completeness(d ExtractedData) float64 {
	var score float64
	for _, w := range mvsWeights {
		if w.has(d) {
			score += w.weight
		}
	}
	return math.Round(score*100) / 100
}

// MissingFields lists absent signal fields in priority order.
func MissingFields(d ExtractedData) []string {
	var out []string
	for _, w := range mvsWeights {
		if !w.has(d) {
			out = append(out, w.field)
		}
	}
	return out
}

// HasMVS reports whether what, where and when are all known.
func HasMVS(d ExtractedData) bool {
	what := len(d.Symptoms) > 0 || (d.SuspectedDisease != "" && d.SuspectedDisease != DiseaseUnknown)
	return what && d.LocationText != "" && d.OnsetText != ""
}
