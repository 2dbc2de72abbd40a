package orthanc

import (
	"github.com/ChuLiYu/orthanc-relay/pkg/types"
)

// InstancesSet is a study, series or single instance expanded to its instances,
// grouped by series in server order.
type InstancesSet struct {
	ID        string
	Level     types.ResourceType
	SeriesIDs []string

	instancesBySeries map[string][]string
}

// NewInstancesSet creates an empty set for the resource id at level
func NewInstancesSet(level types.ResourceType, id string) *InstancesSet {
	return &InstancesSet{
		ID:                id,
		Level:             level,
		instancesBySeries: make(map[string][]string),
	}
}

// AddSeries appends a series and its instances
func (s *InstancesSet) AddSeries(seriesID string, instanceIDs []string) {
	if _, ok := s.instancesBySeries[seriesID]; !ok {
		s.SeriesIDs = append(s.SeriesIDs, seriesID)
	}
	s.instancesBySeries[seriesID] = append(s.instancesBySeries[seriesID], instanceIDs...)
}

// InstancesIDs lists every instance, series by series
func (s *InstancesSet) InstancesIDs() []string {
	var ids []string
	for _, series := range s.SeriesIDs {
		ids = append(ids, s.instancesBySeries[series]...)
	}
	return ids
}

// SeriesInstances lists the instances of one series
func (s *InstancesSet) SeriesInstances(seriesID string) []string {
	return s.instancesBySeries[seriesID]
}

// Count is the number of instances in the set
func (s *InstancesSet) Count() int {
	n := 0
	for _, ids := range s.instancesBySeries {
		n += len(ids)
	}
	return n
}

// Remove drops an instance from the set. Series left empty are removed too.
func (s *InstancesSet) Remove(instanceID string) {
	for i, series := range s.SeriesIDs {
		ids := s.instancesBySeries[series]
		for j, id := range ids {
			if id != instanceID {
				continue
			}
			ids = append(ids[:j], ids[j+1:]...)
			if len(ids) == 0 {
				delete(s.instancesBySeries, series)
				s.SeriesIDs = append(s.SeriesIDs[:i], s.SeriesIDs[i+1:]...)
			} else {
				s.instancesBySeries[series] = ids
			}
			return
		}
	}
}
