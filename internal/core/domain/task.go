package domain

// Task payloads published to the stage topics. Delivery is at-least-once, so
// every field a handler needs to resume from scratch travels in the payload.

type OCRTask struct {
	JobID       string `json:"job_id"`
	StageID     string `json:"stage_id"`
	DocumentRef string `json:"document_ref"`
	PageIndex   int    `json:"page_index"`
}

type DiffTask struct {
	JobID           string `json:"job_id"`
	StageID         string `json:"stage_id"`
	OldOCRResultRef string `json:"old_ocr_result_ref"`
	NewOCRResultRef string `json:"new_ocr_result_ref"`
}

type SummaryTask struct {
	JobID         string `json:"job_id"`
	StageID       string `json:"stage_id"`
	DiffResultRef string `json:"diff_result_ref"`
}
