package task

// TaskStats 汇总任务数量，供看板与健康检查使用。
type TaskStats struct {
	Total      int     `json:"total"`
	Pending    int     `json:"pending"`
	Running    int     `json:"running"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Paid       int     `json:"paid"`
	RevenueUSD float64 `json:"revenue_usd"`
}

func (s *TaskStats) add(t *Task) {
	s.Total++
	switch t.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	}
	if t.PaymentStatus == PaymentPaid {
		s.Paid++
		s.RevenueUSD += t.Cost()
	}
}
