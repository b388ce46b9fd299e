package api

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status          string           `json:"status"`
	UptimeSeconds   int64            `json:"uptime_seconds"`
	TasksRegistered int              `json:"tasks_registered"`
	Events          map[string]int64 `json:"events"`
}

// TaskInfo describes one registered task kind.
type TaskInfo struct {
	Name    string `json:"name"`
	MinArgs int    `json:"min_args"`
	// MaxArgs is -1 for variadic kinds.
	MaxArgs int `json:"max_args"`
}

// TaskListResponse is returned by GET /tasks.
type TaskListResponse struct {
	Tasks []TaskInfo `json:"tasks"`
}
