package domain

import "image"

// RasterPage is a single bounded-memory bitmap for one page of a source
// document. It is transient: produced by the rasterizer, consumed by the OCR
// or diff stage, never persisted.
type RasterPage struct {
	DocumentRef string
	PageIndex   int
	DPI         float64
	Pixels      *image.Gray
}

// Transform is a 2x3 similarity matrix (rotation, bounded scale,
// translation). Free affine shear is deliberately unrepresentable here:
// callers construct transforms only through the alignment estimator, which
// fits rotation+scale+translation and clamps scale to a narrow band.
type Transform struct {
	A  float64 `json:"a"` //  s*cos(theta)
	B  float64 `json:"b"` // -s*sin(theta)
	TX float64 `json:"tx"`
	C  float64 `json:"c"` //  s*sin(theta)
	D  float64 `json:"d"` //  s*cos(theta)
	TY float64 `json:"ty"`
}

// Apply maps a point from the source frame into the target frame.
func (t Transform) Apply(x, y float64) (float64, float64) {
	return t.A*x + t.B*y + t.TX, t.C*x + t.D*y + t.TY
}

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeRemoved  ChangeKind = "removed"
	ChangeModified ChangeKind = "modified"
)

// ChangeRegion is one bounding box of detected change in the new version's
// pixel frame.
type ChangeRegion struct {
	PageIndex int        `json:"page_index"`
	X         int        `json:"x"`
	Y         int        `json:"y"`
	Width     int        `json:"width"`
	Height    int        `json:"height"`
	Kind      ChangeKind `json:"kind"`
}

// AlignmentResult is the output of aligning one page pair.
// Score is undefined (the stage fails) when MatchedFeatures < 4.
type AlignmentResult struct {
	Transform       Transform      `json:"transform"`
	Score           float64        `json:"alignment_score"`
	MatchedFeatures int            `json:"matched_feature_count"`
	InlierCount     int            `json:"inlier_count"`
	Regions         []ChangeRegion `json:"change_regions"`
}

// PageText is the extracted content of one page, recorded by the OCR stage.
type PageText struct {
	PageIndex int    `json:"page_index"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Text      string `json:"text"`
}

// OCRResult is the persisted output blob of one OCR stage.
type OCRResult struct {
	DocumentRef string     `json:"document_ref"`
	PageCount   int        `json:"page_count"`
	Pages       []PageText `json:"pages"`
}

// PageAlignment pairs a page index with its alignment outcome.
type PageAlignment struct {
	PageIndex int             `json:"page_index"`
	Result    AlignmentResult `json:"result"`
}

// DiffResult is the persisted output blob of one diff stage: per-page
// alignments plus the aggregate score across all matched features.
type DiffResult struct {
	JobID           string          `json:"job_id"`
	OldDocumentRef  string          `json:"old_document_ref"`
	NewDocumentRef  string          `json:"new_document_ref"`
	Pages           []PageAlignment `json:"pages"`
	Score           float64         `json:"alignment_score"`
	MatchedFeatures int             `json:"matched_feature_count"`
	InlierCount     int             `json:"inlier_count"`
	Regions         []ChangeRegion  `json:"change_regions"`
}

// ChangeSummary is the persisted output of the summary stage.
type ChangeSummary struct {
	JobID         string         `json:"job_id"`
	AddedCount    int            `json:"added_count"`
	RemovedCount  int            `json:"removed_count"`
	ModifiedCount int            `json:"modified_count"`
	PageCount     int            `json:"page_count"`
	TopRegions    []ChangeRegion `json:"top_regions,omitempty"`
	Text          string         `json:"text"`
}
