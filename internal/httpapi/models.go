package httpapi

import "immunisation-batch-exchange/internal/ack"

type SubmitFileRequest struct {
	SourceKey string `json:"source_key"`
}

type SubmitFileAccepted struct {
	FileID        string `json:"file_id"`
	CorrelationID string `json:"correlation_id"`
}

type FileStatusResponse struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Rows     int    `json:"rows"`
}

func newFileStatusResponse(s ack.FileStatus) FileStatusResponse {
	return FileStatusResponse{
		FileID:   s.FileID,
		FileName: s.FileName,
		Status:   string(s.Status),
		Reason:   s.Reason,
		Rows:     s.Rows,
	}
}
