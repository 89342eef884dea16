package workerrt

import (
	"os"
	"strings"

	"fleetcore/internal/domain/robot"
)

// composeEnv builds the child process environment following §4.3's
// four-level override order: the worker's own process environment, the
// version's default env, the robot's decrypted env store for env_name,
// then the caller's runtime_env — each later level overrides the former.
func composeEnv(version *robot.Version, envStore robot.EnvStore, robotID string, envName robot.EnvName, runtimeEnv map[string]string) []string {
	merged := map[string]string{}

	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range version.DefaultEnv {
		merged[k] = v
	}
	if envStore != nil {
		for k, v := range envStore.GetAll(robotID, envName) {
			merged[k] = v
		}
	}
	for k, v := range runtimeEnv {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}
