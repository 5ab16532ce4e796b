package model

import "io"

// Source roles
const (
	RoleHook = "hooks"
	RoleBody = "bodies"
)

// UploadFile is one uploaded clip as seen by the service layer
type UploadFile struct {
	Filename    string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// SubmitRequest carries both roles of a batch submission
type SubmitRequest struct {
	Hooks  []UploadFile `validate:"required,min=1,dive"`
	Bodies []UploadFile `validate:"required,min=1,dive"`
}
