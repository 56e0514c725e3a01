package runner

import (
	"os"
	"strings"
	"time"
)

// BuildEnv constructs the environment for a run: the current process
// environment, overlaid with the task's variables and the CADENCE_*
// metadata.
func BuildEnv(req Request) []string {
	envMap := make(map[string]string)
	for _, e := range os.Environ() {
		if k, v, ok := strings.Cut(e, "="); ok {
			envMap[k] = v
		}
	}

	for k, v := range req.Env {
		envMap[k] = v
	}

	envMap["CADENCE_TASK_NAME"] = req.Task
	envMap["CADENCE_TRIGGER"] = req.Trigger
	if !req.Scheduled.IsZero() {
		envMap["CADENCE_SCHEDULED_AT"] = req.Scheduled.Format(time.RFC3339)
	}

	result := make([]string, 0, len(envMap))
	for k, v := range envMap {
		result = append(result, k+"="+v)
	}
	return result
}
