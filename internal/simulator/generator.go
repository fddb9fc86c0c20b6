package simulator

import (
	"math"
	"math/rand"
	"sort"
	"time"
)

// DefaultDeviation is how far a reading may drift from its baseline in
// either direction.
const DefaultDeviation = 10.0

// DefaultBaselines returns the nominal operating point of a healthy tank:
// degrees Celsius, percent humidity, fill units, pH, and hPa.
func DefaultBaselines() map[string]float64 {
	return map[string]float64{
		"temp":     25.0,
		"humidity": 60.0,
		"level":    100.0,
		"ph":       7.0,
		"pressure": 1010.0,
	}
}

// Generator produces randomized sensor readings around per-field
// baselines. Readings are rounded to two decimals; "ph" is kept within
// [0, 14] and "level" never drops below zero.
type Generator struct {
	fields    []string
	baselines map[string]float64
	deviation float64
	rand      *rand.Rand
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithBaselines replaces the stock baselines.
func WithBaselines(baselines map[string]float64) GeneratorOption {
	return func(g *Generator) {
		g.baselines = make(map[string]float64, len(baselines))
		for field, value := range baselines {
			g.baselines[field] = value
		}
	}
}

// WithFields restricts generation to the named fields. Fields without a
// baseline are skipped.
func WithFields(fields []string) GeneratorOption {
	return func(g *Generator) {
		g.fields = append([]string(nil), fields...)
	}
}

// WithDeviation sets the maximum drift from a baseline.
func WithDeviation(deviation float64) GeneratorOption {
	return func(g *Generator) {
		g.deviation = deviation
	}
}

// NewGenerator builds a Generator with the stock tank profile unless
// options say otherwise.
func NewGenerator(opts ...GeneratorOption) *Generator {
	g := &Generator{
		baselines: DefaultBaselines(),
		deviation: DefaultDeviation,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(g)
	}
	if len(g.fields) == 0 {
		g.fields = make([]string, 0, len(g.baselines))
		for field := range g.baselines {
			g.fields = append(g.fields, field)
		}
		sort.Strings(g.fields)
	}
	return g
}

// Generate returns one batch of readings, keyed by field name. Fields
// without a baseline are left out.
func (g *Generator) Generate() map[string]float64 {
	readings := make(map[string]float64, len(g.fields))
	for _, field := range g.fields {
		baseline, ok := g.baselines[field]
		if !ok {
			continue
		}
		readings[field] = g.reading(field, baseline)
	}
	return readings
}

func (g *Generator) reading(field string, baseline float64) float64 {
	lo := baseline - g.deviation
	hi := baseline + g.deviation
	switch field {
	case "ph":
		lo = math.Max(0, lo)
		hi = math.Min(14, hi)
	case "level":
		lo = math.Max(0, lo)
	}
	return math.Round((lo+g.rand.Float64()*(hi-lo))*100) / 100
}
