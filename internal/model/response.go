package model

import "time"

// RecordInfo describes one record of a written container.
type RecordInfo struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Offset   int64  `json:"offset"`
	Length   int64  `json:"length"`
	Digest   string `json:"digest"`
	RefersTo string `json:"refers_to,omitempty"`
}

// ContainerInfo describes a container produced for a preservation request.
type ContainerInfo struct {
	ID       string       `json:"id"`
	FileID   string       `json:"file_id"`
	Size     int64        `json:"size"`
	Checksum string       `json:"checksum,omitempty"`
	Records  []RecordInfo `json:"records"`
}

// UploadInfo reports how an upload was replicated.
type UploadInfo struct {
	Collection   string   `json:"collection"`
	Pillars      int      `json:"pillars"`
	MaxFailures  int      `json:"max_failures"`
	Acknowledged []string `json:"acknowledged"`
	Failed       []string `json:"failed,omitempty"`
}

// PreservationResponse reports one state of a preservation flow.
type PreservationResponse struct {
	ID        string         `json:"id"`
	EventID   string         `json:"event_id,omitempty"`
	State     string         `json:"state"`
	Detail    string         `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Container *ContainerInfo `json:"container,omitempty"`
	Upload    *UploadInfo    `json:"upload,omitempty"`
}

// DeliveryInfo confirms an import delivery.
type DeliveryInfo struct {
	URL      string `json:"url"`
	Bytes    int64  `json:"bytes"`
	Status   string `json:"status"`
	Checksum string `json:"checksum,omitempty"`
}

// ImportResponse reports one state of an import flow.
type ImportResponse struct {
	ID        string        `json:"id"`
	EventID   string        `json:"event_id,omitempty"`
	Type      ImportType    `json:"type,omitempty"`
	State     string        `json:"state"`
	Detail    string        `json:"detail,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Delivery  *DeliveryInfo `json:"delivery,omitempty"`
}
