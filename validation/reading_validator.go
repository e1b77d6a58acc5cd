// Copyright (C) 2025 anomaly-sentinel contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package validation

import (
	"fmt"
	"math"
	"strings"
	"time"

	"anomaly-sentinel/anomaly"
	"anomaly-sentinel/config"

	"github.com/go-playground/validator/v10"
)

// futureTolerance is how far ahead of the wall clock a reading timestamp
// may sit before it draws a warning.
const futureTolerance = time.Minute

// ValidationResult represents the result of validating a sensor reading
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
	Info     []string
}

// IsValid returns true if the validation passed
func (vr *ValidationResult) IsValid() bool {
	return vr.Valid
}

// HasWarnings returns true if there are warnings
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// AddError adds an error to the validation result
func (vr *ValidationResult) AddError(msg string) {
	vr.Errors = append(vr.Errors, msg)
	vr.Valid = false
}

// AddWarning adds a warning to the validation result
func (vr *ValidationResult) AddWarning(msg string) {
	vr.Warnings = append(vr.Warnings, msg)
}

// AddInfo adds an info message to the validation result
func (vr *ValidationResult) AddInfo(msg string) {
	vr.Info = append(vr.Info, msg)
}

// String returns a string representation of the validation result
func (vr *ValidationResult) String() string {
	var parts []string

	if len(vr.Errors) > 0 {
		parts = append(parts, fmt.Sprintf("Errors: %s", strings.Join(vr.Errors, "; ")))
	}
	if len(vr.Warnings) > 0 {
		parts = append(parts, fmt.Sprintf("Warnings: %s", strings.Join(vr.Warnings, "; ")))
	}
	if len(vr.Info) > 0 {
		parts = append(parts, fmt.Sprintf("Info: %s", strings.Join(vr.Info, "; ")))
	}

	return strings.Join(parts, " | ")
}

// ReadingValidator checks incoming sensor readings before they reach the
// detector: struct constraints, per-sensor physical bounds, timestamp sanity.
type ReadingValidator struct {
	validate *validator.Validate
}

// NewReadingValidator creates a validator with the custom checks registered
func NewReadingValidator() *ReadingValidator {
	v := validator.New()
	// RegisterValidation only errors on an empty tag or nil func
	_ = v.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
		f := fl.Field().Float()
		return !math.IsNaN(f) && !math.IsInf(f, 0)
	})
	return &ReadingValidator{validate: v}
}

// ValidateReading validates a single reading against the struct constraints
// and the active configuration. Bound violations are errors; a timestamp
// ahead of the wall clock is only a warning.
func (rv *ReadingValidator) ValidateReading(reading anomaly.Reading, cfg *config.Config) *ValidationResult {
	result := &ValidationResult{Valid: true}

	if err := rv.validate.Struct(reading); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				result.AddError(describeFieldError(fe))
			}
		} else {
			result.AddError(err.Error())
		}
	}

	rv.validateSanityBounds(reading, cfg, result)
	rv.validateTimestamp(reading, result)

	return result
}

func (rv *ReadingValidator) validateSanityBounds(reading anomaly.Reading, cfg *config.Config, result *ValidationResult) {
	if cfg == nil {
		return
	}
	override, ok := cfg.Anomaly.Sensors[reading.SensorType]
	if !ok {
		return
	}
	if override.MinValue != nil && reading.Value < *override.MinValue {
		result.AddError(fmt.Sprintf("Value %g is below minimum %g for sensor %s", reading.Value, *override.MinValue, reading.SensorType))
	}
	if override.MaxValue != nil && reading.Value > *override.MaxValue {
		result.AddError(fmt.Sprintf("Value %g exceeds maximum %g for sensor %s", reading.Value, *override.MaxValue, reading.SensorType))
	}
}

func (rv *ReadingValidator) validateTimestamp(reading anomaly.Reading, result *ValidationResult) {
	if reading.Timestamp.IsZero() {
		return
	}
	if ahead := time.Until(reading.Timestamp); ahead > futureTolerance {
		result.AddWarning(fmt.Sprintf("Timestamp is %s ahead of the server clock", ahead.Round(time.Second)))
	}
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Field() {
	case "SensorType":
		return "sensor_type is required"
	case "Value":
		return "value must be a finite number"
	}
	return fmt.Sprintf("%s fails %s constraint", fe.Namespace(), fe.Tag())
}
