package httpapi

import "github.com/agentworkforce/attendsync/internal/attendance"

type ErrorResponse struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
}

type RecordsResponse struct {
	Records    []attendance.Record `json:"records"`
	Tombstones []string            `json:"tombstones"`
}

type MarkResponse struct {
	Record  attendance.Record `json:"record"`
	Pending int               `json:"pending"`
}

type StatusUpdateRequest struct {
	StudentIDs []string `json:"studentIds"`
	Status     string   `json:"status"`
}

type StatusUpdateResponse struct {
	Records []attendance.Record `json:"records"`
	Pending int                 `json:"pending"`
}

type RemoveRequest struct {
	StudentIDs []string `json:"studentIds"`
}

type EndpointRequest struct {
	Endpoint string `json:"endpoint"`
}
