// Package orthanc talks to the Orthanc REST API.
//
// The change-feed engine only depends on the ChangeLogClient and
// ResourceClient interfaces; Client is the HTTP implementation.
package orthanc

import (
	"context"

	"github.com/ChuLiYu/orthanc-relay/pkg/types"
)

// ChangeLogClient reads the server's append-only change log
type ChangeLogClient interface {
	// GetChanges returns at most limit changes with a sequence id strictly
	// greater than since, the sequence id to resume from, and whether the log
	// is drained.
	GetChanges(ctx context.Context, since uint64, limit int) (changes []types.Change, last uint64, done bool, err error)
}

// System is the subset of /system used by the tools
type System struct {
	Name               string `json:"Name"`
	Version            string `json:"Version"`
	APIVersion         int    `json:"ApiVersion"`
	DicomAet           string `json:"DicomAet"`
	OverwriteInstances bool   `json:"OverwriteInstances"`
}

// ResourceClient is the resource-level API handed to change handlers
type ResourceClient interface {
	IsAlive(ctx context.Context) bool
	GetSystem(ctx context.Context) (System, error)

	GetInstanceFile(ctx context.Context, instanceID string) ([]byte, error)
	Upload(ctx context.Context, dicom []byte) (string, error)
	InstanceExists(ctx context.Context, instanceID string) (bool, error)
	DeleteInstance(ctx context.Context, instanceID string) error
	DeleteResource(ctx context.Context, level types.ResourceType, id string) error

	SendToPeer(ctx context.Context, peer string, resourceIDs []string) error
	SendToModality(ctx context.Context, modality string, resourceIDs []string) error
	SendToDicomWeb(ctx context.Context, server string, resourceIDs []string) error
	Transfer(ctx context.Context, peer string, level types.ResourceType, resourceIDs []string) error

	ListIDs(ctx context.Context, level types.ResourceType) ([]string, error)
	GetInstancesSet(ctx context.Context, level types.ResourceType, id string) (*InstancesSet, error)
	SeriesUncompressedSize(ctx context.Context, seriesID string) (int64, error)
}

// API is everything the monitor needs from one server
type API interface {
	ChangeLogClient
	ResourceClient
}
