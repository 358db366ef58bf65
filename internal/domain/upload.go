package domain

import "time"

// Upload is the relational record of one accepted image.
// A user never has two uploads with the same MD5Hash.
type Upload struct {
	ID         string    `gorm:"type:text;primaryKey" json:"id"`
	Username   string    `gorm:"type:text;not null;uniqueIndex:idx_uploads_user_hash,priority:1;index:idx_uploads_user_time,priority:1" json:"username"`
	MD5Hash    string    `gorm:"type:text;not null;uniqueIndex:idx_uploads_user_hash,priority:2" json:"md5_hash"`
	ImagePath  string    `gorm:"type:text;not null" json:"image_path"`
	StorageKey string    `gorm:"type:text;not null" json:"storage_key"`
	Filename   string    `gorm:"type:text" json:"filename"`
	Format     string    `gorm:"type:text" json:"format"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	FileSize   int64     `json:"file_size"`
	Position   string    `gorm:"type:text" json:"position"`
	Style      string    `gorm:"type:text" json:"style"`
	Color      string    `gorm:"type:text" json:"color"`
	UploadedAt time.Time `gorm:"not null;index:idx_uploads_user_time,priority:2" json:"uploaded_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName returns the database table name for Upload.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Upload) TableName() string {
	return "uploads"
}

// Attributes returns the classifier output stored on the record.
func (u *Upload) Attributes() Attributes {
	return Attributes{Position: u.Position, Style: u.Style, Color: u.Color}
}
