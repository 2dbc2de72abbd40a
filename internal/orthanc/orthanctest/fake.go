// Package orthanctest provides an in-memory Orthanc for tests.
package orthanctest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/juju/errors"

	"github.com/ChuLiYu/orthanc-relay/internal/orthanc"
	"github.com/ChuLiYu/orthanc-relay/pkg/types"
)

// Send records one store/transfer request
type Send struct {
	Kind   string // peer, modality, dicom-web, transfer
	Target string
	IDs    []string
}

// Fake is a goroutine-safe in-memory Orthanc.
//
// Instance files default to "dicom:<id>"; Upload of such a payload recreates
// the same instance id, mimicking Orthanc's content-derived ids.
type Fake struct {
	mu sync.Mutex

	alive  bool
	system orthanc.System

	log         []types.Change
	changesErrs int
	changeCalls int

	studies        []string
	seriesOrder    []string
	seriesStudy    map[string]string
	instanceOrder  []string
	instanceSeries map[string]string
	files          map[string][]byte
	seriesSize     map[string]int64

	failures map[string]error
	sends    []Send
	uploads  [][]byte
	deleted  []string
}

var _ orthanc.API = (*Fake)(nil)

// New creates an empty, alive fake server
func New() *Fake {
	return &Fake{
		alive:          true,
		system:         orthanc.System{Name: "fake", Version: "1.12.0", APIVersion: 22},
		seriesStudy:    make(map[string]string),
		instanceSeries: make(map[string]string),
		files:          make(map[string][]byte),
		seriesSize:     make(map[string]int64),
		failures:       make(map[string]error),
	}
}

// ----------------------------------------------------------------------------
// Setup helpers
// ----------------------------------------------------------------------------

// AddChange appends a change to the log and returns its sequence id
func (f *Fake) AddChange(ct types.ChangeType, rt types.ResourceType, id string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	seq := uint64(len(f.log) + 1)
	f.log = append(f.log, types.Change{
		SequenceID:   seq,
		ChangeType:   ct,
		ResourceType: rt,
		ResourceID:   id,
		Path:         "/" + strings.ToLower(string(rt)) + "s/" + id,
	})
	return seq
}

// AddInstance stores an instance under a series and study.
// A nil data defaults to "dicom:<instanceID>".
func (f *Fake) AddInstance(studyID, seriesID, instanceID string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addInstanceLocked(studyID, seriesID, instanceID, data)
}

func (f *Fake) addInstanceLocked(studyID, seriesID, instanceID string, data []byte) {
	if data == nil {
		data = []byte("dicom:" + instanceID)
	}
	if studyID != "" && !contains(f.studies, studyID) {
		f.studies = append(f.studies, studyID)
	}
	if _, ok := f.seriesStudy[seriesID]; !ok {
		f.seriesOrder = append(f.seriesOrder, seriesID)
	}
	f.seriesStudy[seriesID] = studyID
	if _, ok := f.files[instanceID]; !ok {
		f.instanceOrder = append(f.instanceOrder, instanceID)
	}
	f.instanceSeries[instanceID] = seriesID
	f.files[instanceID] = data
}

// SetSeriesSize sets the uncompressed size reported for a series
func (f *Fake) SetSeriesSize(seriesID string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seriesSize[seriesID] = size
}

// SetAlive makes IsAlive and GetSystem succeed or fail
func (f *Fake) SetAlive(alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = alive
}

// SetSystem overrides the /system answer
func (f *Fake) SetSystem(sys orthanc.System) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.system = sys
}

// FailChanges makes the next n GetChanges calls fail
func (f *Fake) FailChanges(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changesErrs = n
}

// Fail makes the operation named key fail with err until Heal is called.
// Keys: "get:<id>", "upload", "delete:<id>", "peer:<name>", "modality:<name>",
// "dicom-web:<name>", "transfer:<name>".
func (f *Fake) Fail(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[key] = err
}

// Heal clears a failure set by Fail
func (f *Fake) Heal(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, key)
}

// ----------------------------------------------------------------------------
// Inspection helpers
// ----------------------------------------------------------------------------

// Sends returns a copy of every recorded send
func (f *Fake) Sends() []Send {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Send, len(f.sends))
	copy(out, f.sends)
	return out
}

// SentIDs flattens the ids sent with kind to target
func (f *Fake) SentIDs(kind, target string) []string {
	var ids []string
	for _, s := range f.Sends() {
		if s.Kind == kind && s.Target == target {
			ids = append(ids, s.IDs...)
		}
	}
	return ids
}

// Uploads returns a copy of every uploaded payload
func (f *Fake) Uploads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.uploads))
	copy(out, f.uploads)
	return out
}

// Deleted lists deleted resources as "<Level>:<id>"
func (f *Fake) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deleted))
	copy(out, f.deleted)
	return out
}

// HasInstance reports whether an instance is stored
func (f *Fake) HasInstance(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[id]
	return ok
}

// ChangeCalls counts GetChanges calls, failed ones included
func (f *Fake) ChangeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.changeCalls
}

// ----------------------------------------------------------------------------
// orthanc.API
// ----------------------------------------------------------------------------

func (f *Fake) GetChanges(_ context.Context, since uint64, limit int) ([]types.Change, uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.changeCalls++
	if f.changesErrs > 0 {
		f.changesErrs--
		return nil, since, false, &orthanc.HTTPError{Method: "GET", Path: "/changes", StatusCode: 503, Body: "unavailable"}
	}

	var out []types.Change
	for _, c := range f.log {
		if c.SequenceID <= since {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, c)
	}

	last := since
	if len(out) > 0 {
		last = out[len(out)-1].SequenceID
	}
	done := len(f.log) == 0 || last >= f.log[len(f.log)-1].SequenceID
	return out, last, done, nil
}

func (f *Fake) IsAlive(_ context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *Fake) GetSystem(_ context.Context) (orthanc.System, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive {
		return orthanc.System{}, errors.New("connection refused")
	}
	return f.system, nil
}

func (f *Fake) GetInstanceFile(_ context.Context, instanceID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["get:"+instanceID]; err != nil {
		return nil, err
	}
	data, ok := f.files[instanceID]
	if !ok {
		return nil, errors.NotFoundf("instance %s", instanceID)
	}
	return append([]byte(nil), data...), nil
}

func (f *Fake) Upload(_ context.Context, dicom []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["upload"]; err != nil {
		return "", err
	}
	f.uploads = append(f.uploads, append([]byte(nil), dicom...))

	id := strings.TrimPrefix(string(dicom), "dicom:")
	if id == string(dicom) {
		id = fmt.Sprintf("uploaded-%d", len(f.uploads))
	}
	f.addInstanceLocked("", "uploaded", id, dicom)
	return id, nil
}

func (f *Fake) InstanceExists(_ context.Context, instanceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[instanceID]
	return ok, nil
}

func (f *Fake) DeleteInstance(ctx context.Context, instanceID string) error {
	return f.DeleteResource(ctx, types.ResourceInstance, instanceID)
}

func (f *Fake) DeleteResource(_ context.Context, level types.ResourceType, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["delete:"+id]; err != nil {
		return err
	}

	victims := f.instancesOfLocked(level, id)
	if len(victims) == 0 {
		return errors.NotFoundf("%s %s", level, id)
	}
	for _, inst := range victims {
		delete(f.files, inst)
		delete(f.instanceSeries, inst)
		f.instanceOrder = remove(f.instanceOrder, inst)
	}
	f.deleted = append(f.deleted, string(level)+":"+id)
	return nil
}

func (f *Fake) send(kind, target string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures[kind+":"+target]; err != nil {
		return err
	}
	f.sends = append(f.sends, Send{Kind: kind, Target: target, IDs: append([]string(nil), ids...)})
	return nil
}

func (f *Fake) SendToPeer(_ context.Context, peer string, ids []string) error {
	return f.send("peer", peer, ids)
}

func (f *Fake) SendToModality(_ context.Context, modality string, ids []string) error {
	return f.send("modality", modality, ids)
}

func (f *Fake) SendToDicomWeb(_ context.Context, server string, ids []string) error {
	return f.send("dicom-web", server, ids)
}

func (f *Fake) Transfer(_ context.Context, peer string, _ types.ResourceType, ids []string) error {
	return f.send("transfer", peer, ids)
}

func (f *Fake) ListIDs(_ context.Context, level types.ResourceType) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ids []string
	switch level {
	case types.ResourceStudy:
		for _, s := range f.studies {
			if len(f.instancesOfLocked(types.ResourceStudy, s)) > 0 {
				ids = append(ids, s)
			}
		}
	case types.ResourceSeries:
		for _, s := range f.seriesOrder {
			if len(f.instancesOfLocked(types.ResourceSeries, s)) > 0 {
				ids = append(ids, s)
			}
		}
	case types.ResourceInstance:
		ids = append(ids, f.instanceOrder...)
	default:
		return nil, errors.NotSupportedf("list %s", level)
	}
	return ids, nil
}

func (f *Fake) GetInstancesSet(_ context.Context, level types.ResourceType, id string) (*orthanc.InstancesSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	instances := f.instancesOfLocked(level, id)
	if len(instances) == 0 {
		return nil, errors.NotFoundf("%s %s", level, id)
	}

	set := orthanc.NewInstancesSet(level, id)
	for _, series := range f.seriesOrder {
		var ids []string
		for _, inst := range instances {
			if f.instanceSeries[inst] == series {
				ids = append(ids, inst)
			}
		}
		if len(ids) > 0 {
			set.AddSeries(series, ids)
		}
	}
	return set, nil
}

func (f *Fake) SeriesUncompressedSize(_ context.Context, seriesID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seriesStudy[seriesID]; !ok {
		return 0, errors.NotFoundf("series %s", seriesID)
	}
	return f.seriesSize[seriesID], nil
}

// instancesOfLocked lists instance ids under a resource in insertion order
func (f *Fake) instancesOfLocked(level types.ResourceType, id string) []string {
	var out []string
	for _, inst := range f.instanceOrder {
		series := f.instanceSeries[inst]
		match := false
		switch level {
		case types.ResourceInstance:
			match = inst == id
		case types.ResourceSeries:
			match = series == id
		case types.ResourceStudy:
			match = f.seriesStudy[series] == id
		}
		if match {
			out = append(out, inst)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	for i, x := range list {
		if x == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
