package registry

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// timingWindowCap bounds the per-action history fed to duration estimates.
const timingWindowCap = 50

// recordTimings appends each task's observed duration to the rolling
// window for (template, action). Runs inside the FinishWorkflow
// transaction; rows are locked so concurrent finishes append cleanly.
func recordTimings(tx *gorm.DB, template string, durations map[string]time.Duration) error {
	if template == "" || len(durations) == 0 {
		return nil
	}

	for action, d := range durations {
		seconds := int64(d.Round(time.Second) / time.Second)
		if seconds < 0 {
			continue
		}

		var existing string
		row := tx.Raw(
			`SELECT durations::text FROM template_timings WHERE template_name = ? AND action_name = ? FOR UPDATE`,
			template, action,
		).Row()
		if err := row.Scan(&existing); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		window, err := appendDurationWindow(existing, seconds)
		if err != nil {
			return err
		}

		err = tx.Exec(
			`INSERT INTO template_timings (template_name, action_name, durations, updated_at)
			 VALUES (?, ?, ?::jsonb, NOW())
			 ON CONFLICT (template_name, action_name)
			 DO UPDATE SET durations = EXCLUDED.durations, updated_at = NOW()`,
			template, action, window,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// appendDurationWindow appends seconds to a JSON array of past durations,
// trimming from the front so at most timingWindowCap entries remain.
func appendDurationWindow(existing string, seconds int64) (string, error) {
	var window []int64
	if existing != "" {
		if err := json.Unmarshal([]byte(existing), &window); err != nil {
			return "", err
		}
	}

	window = append(window, seconds)
	if len(window) > timingWindowCap {
		window = window[len(window)-timingWindowCap:]
	}

	out, err := json.Marshal(window)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
