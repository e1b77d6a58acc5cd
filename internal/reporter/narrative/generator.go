package narrative

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"go.uber.org/zap"

	"anomaly-sentinel/anomaly"
	"anomaly-sentinel/config"
	"anomaly-sentinel/internal/reporter"
)

// ErrNotConfigured is returned when no narrative model is available; the
// caller falls back to the deterministic summary.
var ErrNotConfigured = errors.New("narrative model not configured")

// SensorInfo describes one known sensor type for prompt context.
type SensorInfo struct {
	Name           string
	Unit           string
	Description    string
	CriticalImpact string
}

// sensorCatalog maps the sorting machine's sensor types to operator-facing
// context the model can reason about. Unknown types fall back to the raw
// type name.
var sensorCatalog = map[string]SensorInfo{
	"ejector_pressure": {
		Name:           "Ejector Air Pressure",
		Unit:           "bar",
		Description:    "Air pressure of the pneumatic ejector system",
		CriticalImpact: "Product separation failure, production stop",
	},
	"conveyor_speed": {
		Name:           "Conveyor Speed",
		Unit:           "m/s",
		Description:    "Main transport belt speed",
		CriticalImpact: "Throughput loss, product damage",
	},
	"main_motor_load": {
		Name:           "Main Motor Load",
		Unit:           "%",
		Description:    "Load ratio of the main drive motor",
		CriticalImpact: "Motor failure, overheating",
	},
	"separation_rate": {
		Name:           "Separation Rate",
		Unit:           "obj/s",
		Description:    "Objects separated per second",
		CriticalImpact: "Efficiency loss, quality issues",
	},
	"optical_sensor_temp": {
		Name:           "Optical Sensor Temperature",
		Unit:           "°C",
		Description:    "Temperature of the vision sensors",
		CriticalImpact: "Image quality degradation, misdetection",
	},
	"vibration_bearing_x": {
		Name:           "Bearing Vibration (X)",
		Unit:           "mm/s",
		Description:    "Main bearing X-axis vibration",
		CriticalImpact: "Bearing failure, mechanical damage",
	},
	"motor_current": {
		Name:           "Motor Current",
		Unit:           "A",
		Description:    "Electrical current drawn by the motor",
		CriticalImpact: "Electrical fault, motor burnout",
	},
	"acoustic_noise": {
		Name:           "Acoustic Noise",
		Unit:           "dB",
		Description:    "Ambient noise level",
		CriticalImpact: "Early sign of mechanical failure",
	},
	"system_voltage": {
		Name:           "System Voltage",
		Unit:           "V",
		Description:    "Supply voltage",
		CriticalImpact: "System instability, equipment damage",
	},
	"throughput": {
		Name:           "Production Throughput",
		Unit:           "pcs/h",
		Description:    "Units produced per hour",
		CriticalImpact: "Missed production targets",
	},
}

// Describe returns the catalog entry for a sensor type, or a stub built from
// the raw type name.
func Describe(sensorType string) SensorInfo {
	if info, ok := sensorCatalog[sensorType]; ok {
		return info
	}
	return SensorInfo{Name: sensorType, Description: "Uncatalogued sensor"}
}

// Generator produces report narratives through a hosted language model.
type Generator struct {
	cfg    config.LLMConfig
	model  llms.Model
	logger *zap.Logger
}

// New builds a generator from cfg. When the feature is disabled or no API
// key is present, the generator stays up but Generate returns
// ErrNotConfigured so dispatch falls back cleanly.
func New(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*Generator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Generator{cfg: cfg, logger: logger}

	if !cfg.Enabled {
		return g, nil
	}
	if cfg.APIKey == "" {
		logger.Warn("Narrative generation enabled but no API key set, using deterministic summaries")
		return g, nil
	}

	model, err := googleai.New(ctx,
		googleai.WithAPIKey(cfg.APIKey),
		googleai.WithDefaultModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("init narrative model: %w", err)
	}
	g.model = model

	logger.Info("Narrative model initialized",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model))
	return g, nil
}

// Available reports whether a model is wired in.
func (g *Generator) Available() bool {
	return g.model != nil
}

// Generate produces the narrative for one report.
func (g *Generator) Generate(ctx context.Context, rep *reporter.Report) (string, error) {
	if g.model == nil {
		return "", ErrNotConfigured
	}

	timeout := time.Duration(g.cfg.TimeoutSeconds) * time.Second
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	prompt := buildPrompt(rep)
	text, err := llms.GenerateFromSinglePrompt(ctx, g.model, prompt,
		llms.WithTemperature(g.cfg.Temperature),
		llms.WithMaxTokens(g.cfg.MaxTokens),
	)
	if err != nil {
		return "", fmt.Errorf("narrative generation: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("narrative model returned empty text")
	}
	return text, nil
}

// sensorDigest aggregates the anomalies of one sensor type for the prompt.
type sensorDigest struct {
	sensorType string
	info       SensorInfo
	count      int
	minValue   float64
	maxValue   float64
	sumValue   float64
	mean       float64
	stdDev     float64
	maxZ       float64
	sumZ       float64
	highCount  int
}

func buildPrompt(rep *reporter.Report) string {
	digests := digestBySensor(rep.Anomalies)

	var b strings.Builder
	b.WriteString("ROLE: Senior reliability engineer for industrial sorting machinery.\n")
	b.WriteString("TASK: Produce a clear, operator-friendly incident report for a sensor anomaly episode.\n\n")
	b.WriteString("PLANT CONTEXT:\n")
	b.WriteString("An optical sorting machine identifies products with vision sensors and separates them with pneumatic ejectors.\n\n")

	fmt.Fprintf(&b, "EPISODE:\n")
	fmt.Fprintf(&b, "- Report ID: %s\n", rep.ID)
	fmt.Fprintf(&b, "- Risk level: %s\n", rep.RiskLevel)
	fmt.Fprintf(&b, "- State change: %s -> %s (%s)\n", rep.PreviousState, rep.CurrentState, rep.TriggerType)
	fmt.Fprintf(&b, "- Risk bucket score: %.1f\n", rep.BucketScore)
	fmt.Fprintf(&b, "- Period: %s to %s\n",
		rep.PeriodStart.Format(time.RFC3339), rep.PeriodEnd.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Total anomalies: %d across %d sensor types\n", len(rep.Anomalies), len(digests))
	if rep.Reason != "" {
		fmt.Fprintf(&b, "- Decision reason: %s\n", rep.Reason)
	}
	b.WriteString("\nSENSOR SUMMARY:\n")

	for _, d := range digests {
		avgValue := d.sumValue / float64(d.count)
		avgZ := d.sumZ / float64(d.count)
		fmt.Fprintf(&b, "- %s (%s", d.info.Name, d.sensorType)
		if d.info.Unit != "" {
			fmt.Fprintf(&b, ", %s", d.info.Unit)
		}
		fmt.Fprintf(&b, "): %d anomalies, values %.2f..%.2f (avg %.2f), baseline %.2f ± %.2f, max |z| %.2f (avg %.2f), high severity %d\n",
			d.count, d.minValue, d.maxValue, avgValue, d.mean, d.stdDev, d.maxZ, avgZ, d.highCount)
		if d.info.CriticalImpact != "" {
			fmt.Fprintf(&b, "  Impact when failing: %s\n", d.info.CriticalImpact)
		}
	}

	b.WriteString("\nOUTPUT REQUIREMENTS:\n")
	b.WriteString("1. Begin with a two-sentence executive summary.\n")
	b.WriteString("2. State the overall risk level (LOW, MEDIUM, HIGH, CRITICAL) and justify it with the z-scores, affected sensor count, and severities.\n")
	b.WriteString("3. For each sensor type: what happened, why it matters, plausible causes.\n")
	b.WriteString("4. Assess likely root causes, including correlations across sensors.\n")
	b.WriteString("5. List 3-5 recommended actions, each with a priority (URGENT, HIGH, MEDIUM, LOW).\n")
	b.WriteString("6. Keep it under 400 words and avoid speculation beyond the evidence.\n\n")
	b.WriteString("Generate the report now.")

	return b.String()
}

func digestBySensor(anomalies []anomaly.Result) []*sensorDigest {
	byType := make(map[string]*sensorDigest)
	for _, a := range anomalies {
		d, ok := byType[a.SensorType]
		if !ok {
			d = &sensorDigest{
				sensorType: a.SensorType,
				info:       Describe(a.SensorType),
				minValue:   a.CurrentValue,
				maxValue:   a.CurrentValue,
				mean:       a.Mean,
				stdDev:     a.StdDev,
			}
			byType[a.SensorType] = d
		}
		d.count++
		d.sumValue += a.CurrentValue
		if a.CurrentValue < d.minValue {
			d.minValue = a.CurrentValue
		}
		if a.CurrentValue > d.maxValue {
			d.maxValue = a.CurrentValue
		}
		if z := math.Abs(a.ZScore); z > d.maxZ {
			d.maxZ = z
		}
		d.sumZ += math.Abs(a.ZScore)
		if a.Severity == anomaly.SeverityHigh {
			d.highCount++
		}
	}

	out := make([]*sensorDigest, 0, len(byType))
	for _, d := range byType {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].sensorType < out[j].sensorType })
	return out
}
