package models

import "time"

// Attachment is a file record held by the dataset service.
// Filename is not unique: several attachments may share it.
type Attachment struct {
	ID          string     `json:"id"`
	Filename    string     `json:"filename"`
	Description string     `json:"description"`
	Prefix      string     `json:"prefix"`
	Title       string     `json:"title"`
	Released    *time.Time `json:"released"`
	ByteSize    int64      `json:"byteSize,omitempty"`
	SHA256      string     `json:"sha256,omitempty"`
}

// IsReleased reports whether the attachment has a released date.
func (a Attachment) IsReleased() bool {
	return a.Released != nil && !a.Released.IsZero()
}

// LocalFile is a regular file found in the local products directory.
type LocalFile struct {
	Name string
	Path string
	Size int64
}
