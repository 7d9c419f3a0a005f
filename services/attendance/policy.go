package attendance

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Thresholds is the tunable alerting policy.
type Thresholds struct {
	WindowDays                 int     `yaml:"window_days"`
	ConsecutiveAbsenceMedium   int     `yaml:"consecutive_absence_medium"`
	ConsecutiveAbsenceCritical int     `yaml:"consecutive_absence_critical"`
	LateRatio                  float64 `yaml:"late_ratio"`
	ChronicAttendancePercent   float64 `yaml:"chronic_attendance_percent"`
	TrendMargin                float64 `yaml:"trend_margin"`
	MinTrendRecords            int     `yaml:"min_trend_records"`
	SuddenChangeAlerts         bool    `yaml:"sudden_change_alerts"`
}

// DefaultThresholds returns the stock policy.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WindowDays:                 30,
		ConsecutiveAbsenceMedium:   3,
		ConsecutiveAbsenceCritical: 5,
		LateRatio:                  0.25,
		ChronicAttendancePercent:   80,
		TrendMargin:                5,
		MinTrendRecords:            4,
		SuddenChangeAlerts:         true,
	}
}

// LoadThresholds reads a YAML policy file. Keys missing from the file keep their defaults.
func LoadThresholds(path string) (Thresholds, error) {
	th := DefaultThresholds()
	if path == "" {
		return th, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return th, errors.Wrap(err, "failed to read alert policy")
	}
	if err := yaml.Unmarshal(data, &th); err != nil {
		return th, errors.Wrap(err, "failed to parse alert policy")
	}
	if err := th.Validate(); err != nil {
		return th, errors.Wrapf(err, "invalid alert policy %s", path)
	}
	return th, nil
}

// Validate rejects policies that would never or always fire.
func (t Thresholds) Validate() error {
	if t.WindowDays <= 0 {
		return errors.New("window_days must be > 0")
	}
	if t.ConsecutiveAbsenceMedium <= 0 {
		return errors.New("consecutive_absence_medium must be > 0")
	}
	if t.ConsecutiveAbsenceCritical < t.ConsecutiveAbsenceMedium {
		return errors.New("consecutive_absence_critical must be >= consecutive_absence_medium")
	}
	if t.LateRatio <= 0 || t.LateRatio > 1 {
		return errors.New("late_ratio must be in (0, 1]")
	}
	if t.ChronicAttendancePercent <= 0 || t.ChronicAttendancePercent > 100 {
		return errors.New("chronic_attendance_percent must be in (0, 100]")
	}
	if t.TrendMargin < 0 {
		return errors.New("trend_margin must be >= 0")
	}
	if t.MinTrendRecords < 1 {
		return errors.New("min_trend_records must be >= 1")
	}
	return nil
}
