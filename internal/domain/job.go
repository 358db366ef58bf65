package domain

// ItemStatus is the outcome of ingesting one submitted file.
type ItemStatus string

const (
	ItemStatusSuccess   ItemStatus = "success"
	ItemStatusDuplicate ItemStatus = "duplicate"
	ItemStatusError     ItemStatus = "error"
)

// ItemResult is the per-file entry of a job's results, kept in submission order.
type ItemResult struct {
	Filename string     `json:"filename"`
	Status   ItemStatus `json:"status"`
	Message  string     `json:"message,omitempty"`
	ImageURL string     `json:"image_url,omitempty"`
	Position string     `json:"position,omitempty"`
	Style    string     `json:"style,omitempty"`
	Color    string     `json:"color,omitempty"`
}

// ImageFile is one submitted file awaiting ingestion.
type ImageFile struct {
	Filename string `json:"filename"`
	Data     []byte `json:"-"`
}
