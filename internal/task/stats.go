package task

// TaskStats 汇总一组作业的状态分布，供 /api/v1/jobs 和健康检查展示积压情况。
type TaskStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// ByErrorCode 统计失败作业的错误码分布，没有失败时为空。
	ByErrorCode     map[string]int `json:"by_error_code,omitempty"`
	OldestUpdatedAt int64          `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64          `json:"newest_updated_at,omitempty"`
}

// Backlog 返回尚未结束的作业数量。
func (s TaskStats) Backlog() int {
	return s.Pending + s.Running
}

func (s *TaskStats) add(task *Task) {
	s.Total++
	switch task.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
		s.countErrorCode(task.ErrorCode, 1)
	}
	if task.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = task.UpdatedAt
	}
	if s.OldestUpdatedAt == 0 || task.UpdatedAt < s.OldestUpdatedAt {
		s.OldestUpdatedAt = task.UpdatedAt
	}
}

func (s *TaskStats) countErrorCode(code string, n int) {
	if code == "" || n <= 0 {
		return
	}
	if s.ByErrorCode == nil {
		s.ByErrorCode = make(map[string]int)
	}
	s.ByErrorCode[code] += n
}
