package domain

// Worker environment variables understood by cmd/worker.
const (
	EnvSystemPrompt = "SYSTEM_PROMPT"
	EnvSpriteFolder = "SPRITE_FOLDER"
	EnvBotName      = "BOT_NAME"
	EnvSessionID    = "SESSION_ID"
)

// Resources are the compute limits requested for a worker.
type Resources struct {
	CPUKind  string `json:"cpu_kind"`
	CPUs     int    `json:"cpus"`
	MemoryMB int    `json:"memory_mb"`
}

// WorkerSpec describes a worker to launch.
type WorkerSpec struct {
	Image       string
	Command     []string
	Env         map[string]string
	Resources   Resources
	AutoDestroy bool
}

// WithEnv returns a copy of s with key set in its environment.
// Empty values are skipped.
func (s WorkerSpec) WithEnv(key, value string) WorkerSpec {
	if value == "" {
		return s
	}
	env := make(map[string]string, len(s.Env)+1)
	for k, v := range s.Env {
		env[k] = v
	}
	env[key] = value
	s.Env = env
	return s
}

// WorkerHandle identifies a launched worker.
type WorkerHandle struct {
	ID      string
	RoomURL string
	Image   string
}
