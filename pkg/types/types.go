// Package types defines the domain model shared by the orthanc-relay tools.
package types

import (
	"fmt"
)

// ChangeType is the kind of an entry in the Orthanc change log
type ChangeType string

// Change types reported by the /changes route
const (
	ChangeNewInstance       ChangeType = "NewInstance"
	ChangeNewSeries         ChangeType = "NewSeries"
	ChangeNewStudy          ChangeType = "NewStudy"
	ChangeNewPatient        ChangeType = "NewPatient"
	ChangeStableSeries      ChangeType = "StableSeries"
	ChangeStableStudy       ChangeType = "StableStudy"
	ChangeStablePatient     ChangeType = "StablePatient"
	ChangeCompletedSeries   ChangeType = "CompletedSeries"
	ChangeDeleted           ChangeType = "Deleted"
	ChangeUpdatedAttachment ChangeType = "UpdatedAttachment"
	ChangeUpdatedMetadata   ChangeType = "UpdatedMetadata"
	ChangeNewChildInstance  ChangeType = "NewChildInstance"
	ChangeJobSubmitted      ChangeType = "JobSubmitted"
	ChangeJobSuccess        ChangeType = "JobSuccess"
	ChangeJobFailure        ChangeType = "JobFailure"
)

// ParseChangeType maps a CLI/config spelling to a ChangeType.
// Unknown values are rejected so that typos in a trigger do not silently match nothing.
func ParseChangeType(s string) (ChangeType, error) {
	switch ChangeType(s) {
	case ChangeNewInstance, ChangeNewSeries, ChangeNewStudy, ChangeNewPatient,
		ChangeStableSeries, ChangeStableStudy, ChangeStablePatient,
		ChangeCompletedSeries, ChangeDeleted, ChangeUpdatedAttachment,
		ChangeUpdatedMetadata, ChangeNewChildInstance,
		ChangeJobSubmitted, ChangeJobSuccess, ChangeJobFailure:
		return ChangeType(s), nil
	}
	return "", fmt.Errorf("unknown change type %q", s)
}

// ResourceType is the level of a DICOM resource in Orthanc
type ResourceType string

const (
	ResourcePatient  ResourceType = "Patient"
	ResourceStudy    ResourceType = "Study"
	ResourceSeries   ResourceType = "Series"
	ResourceInstance ResourceType = "Instance"
)

// Change is one entry of the change log.
// It is immutable once received and is handed to exactly one worker.
type Change struct {
	SequenceID   uint64       `json:"Seq"`
	ChangeType   ChangeType   `json:"ChangeType"`
	ResourceType ResourceType `json:"ResourceType"`
	ResourceID   string       `json:"ID"`
	Path         string       `json:"Path"`
	Date         string       `json:"Date"`
}

func (c Change) String() string {
	return fmt.Sprintf("%d %s %s", c.SequenceID, c.ChangeType, c.ResourceID)
}
