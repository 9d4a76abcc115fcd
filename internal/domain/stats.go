package domain

// StreamStats is the final reporting surface of one streaming run. The
// counters are produced even when the run ends in failure.
type StreamStats struct {
	RunID      string `json:"run_id"`
	Received   int    `json:"messages_received"`
	Buffered   int    `json:"messages_buffered"`
	Rejected   int    `json:"messages_rejected"`
	Flushes    int    `json:"flushes_completed"`
	Reconnects int    `json:"reconnect_attempts"`
}

// BackfillStats summarizes one backfill run.
type BackfillStats struct {
	RunID          string  `json:"run_id"`
	Fetched        int     `json:"fetched"`
	Requests       int     `json:"requests_made"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	SkippedDays    int     `json:"skipped_days"`
	AbandonedDays  int     `json:"abandoned_days"`
}

// PreprocessStats summarizes one curation run over a date range.
type PreprocessStats struct {
	TotalDays     int `json:"total_days"`
	ProcessedDays int `json:"processed_days"`
	TotalItems    int `json:"total_items"`
	Duplicates    int `json:"duplicates"`
}
