package linking

import (
	"math"
	"strings"
	"time"
)

const (
	geoWeight      = 0.40
	symptomWeight  = 0.35
	temporalWeight = 0.25

	// MinLinkConfidence is the floor below which candidate links are dropped.
	MinLinkConfidence = 0.3
	// MinSymptomOverlap is the Jaccard score a symptom link needs to dominate.
	MinSymptomOverlap = 0.2
)

// Score is the per-signal breakdown for a candidate pair.
type Score struct {
	Geographic float64
	Symptom    float64
	Temporal   float64
}

// Confidence is the weighted sum of the signals.
func (s Score) Confidence() float64 {
	c := geoWeight*s.Geographic + symptomWeight*s.Symptom + temporalWeight*s.Temporal
	return math.Round(c*1000) / 1000
}

// Dominant returns the link type whose weighted contribution is largest.
// Ties go to geographic, then symptom. ok is false when no signal counts.
func (s Score) Dominant() (LinkType, bool) {
	best, typ := 0.0, LinkType("")
	consider := func(v float64, t LinkType) {
		if v > best {
			best, typ = v, t
		}
	}
	consider(geoWeight*s.Geographic, LinkGeographic)
	if s.Symptom >= MinSymptomOverlap {
		consider(symptomWeight*s.Symptom, LinkSymptom)
	}
	consider(temporalWeight*s.Temporal, LinkTemporal)
	return typ, typ != ""
}

// ScorePair computes the signals between a new report and a prior one.
func ScorePair(cur, prior *Report, window time.Duration) Score {
	return Score{
		Geographic: geoMatch(cur, prior),
		Symptom:    Jaccard(cur.Symptoms, prior.Symptoms),
		Temporal:   TemporalProximity(cur.CreatedAt, prior.CreatedAt, window),
	}
}

// Jaccard is |a ∩ b| / |a ∪ b| over case-insensitive symptom sets.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]uint8, len(a)+len(b))
	for _, s := range a {
		if k := normalize(s); k != "" {
			set[k] |= 1
		}
	}
	for _, s := range b {
		if k := normalize(s); k != "" {
			set[k] |= 2
		}
	}
	if len(set) == 0 {
		return 0
	}
	inter := 0
	for _, v := range set {
		if v == 3 {
			inter++
		}
	}
	return float64(inter) / float64(len(set))
}

// TemporalProximity decays linearly from 1 at zero elapsed time to 0 at the
// edge of the window.
func TemporalProximity(a, b time.Time, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	elapsed := a.Sub(b)
	if elapsed < 0 {
		elapsed = -elapsed
	}
	if elapsed >= window {
		return 0
	}
	return 1 - float64(elapsed)/float64(window)
}

// geoMatch reports 1 when either location contains the other.
func geoMatch(a, b *Report) float64 {
	for _, x := range []string{a.LocationNormalized, a.LocationText} {
		x = normalize(x)
		if x == "" {
			continue
		}
		for _, y := range []string{b.LocationNormalized, b.LocationText} {
			y = normalize(y)
			if y == "" {
				continue
			}
			if strings.Contains(x, y) || strings.Contains(y, x) {
				return 1
			}
		}
	}
	return 0
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
