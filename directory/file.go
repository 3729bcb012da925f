package directory

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/propd/task"
)

// File is the on-disk layout of a directory snapshot.
type File struct {
	Services   []task.Service  `yaml:"services"`
	Facilities []FacilityEntry `yaml:"facilities"`
}

// FacilityEntry is a facility with its service assignments.
type FacilityEntry struct {
	task.Facility `yaml:",inline"`

	// Services lists the ids of services assigned to the facility.
	Services []int `yaml:"services"`

	// Denied lists the ids of services blocked on the facility.
	Denied []int `yaml:"denied,omitempty"`

	// Destinations maps a service id to its destinations on this facility.
	Destinations map[int][]task.Destination `yaml:"destinations,omitempty"`
}

type snapshot struct {
	services   map[int]task.Service
	facilities map[int]*FacilityEntry
}

var (
	facilityRef = regexp.MustCompile(`Facility:\[id=<?(\d+)`)
	serviceRef  = regexp.MustCompile(`Service:\[id=<?(\d+)`)
)

// FileDirectory is a Directory backed by a YAML file.
type FileDirectory struct {
	path string

	mu   sync.RWMutex
	snap *snapshot
}

// LoadFile reads the directory file at path.
func LoadFile(path string) (*FileDirectory, error) {
	d := &FileDirectory{path: path}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewFromFile builds an in-memory directory from an already parsed File.
func NewFromFile(f *File) (*FileDirectory, error) {
	snap, err := buildSnapshot(f)
	if err != nil {
		return nil, err
	}
	return &FileDirectory{snap: snap}, nil
}

// Path returns the backing file path, empty for in-memory directories.
func (d *FileDirectory) Path() string {
	return d.path
}

// Reload re-reads the backing file. On error the previous snapshot is kept.
func (d *FileDirectory) Reload() error {
	if d.path == "" {
		return nil
	}
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("read directory file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse directory file: %w", err)
	}
	snap, err := buildSnapshot(&f)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.snap = snap
	d.mu.Unlock()
	return nil
}

func buildSnapshot(f *File) (*snapshot, error) {
	s := &snapshot{
		services:   make(map[int]task.Service, len(f.Services)),
		facilities: make(map[int]*FacilityEntry, len(f.Facilities)),
	}
	for _, svc := range f.Services {
		if _, dup := s.services[svc.ID]; dup {
			return nil, fmt.Errorf("duplicate service id %d", svc.ID)
		}
		s.services[svc.ID] = svc
	}
	for i := range f.Facilities {
		fe := f.Facilities[i]
		if _, dup := s.facilities[fe.ID]; dup {
			return nil, fmt.Errorf("duplicate facility id %d", fe.ID)
		}
		for _, sid := range fe.Services {
			if _, ok := s.services[sid]; !ok {
				return nil, fmt.Errorf("facility %d: %w: %d", fe.ID, ErrServiceNotExists, sid)
			}
		}
		for sid, dests := range fe.Destinations {
			if err := task.CheckDestinations(dests); err != nil {
				return nil, fmt.Errorf("facility %d service %d: %w", fe.ID, sid, err)
			}
		}
		s.facilities[fe.ID] = &fe
	}
	return s, nil
}

func (d *FileDirectory) current() *snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snap
}

// Resolve finds facility and service references in the event body. A body
// naming both yields that pair; a facility alone yields all its services; a
// service alone yields every facility it is assigned to.
func (d *FileDirectory) Resolve(_ context.Context, body string) ([]Binding, error) {
	s := d.current()
	facIDs := refIDs(facilityRef, body)
	svcIDs := refIDs(serviceRef, body)
	if len(facIDs) == 0 && len(svcIDs) == 0 {
		return nil, ErrInvalidEventFormat
	}

	for _, id := range svcIDs {
		if _, ok := s.services[id]; !ok {
			return nil, fmt.Errorf("%w: %d", ErrServiceNotExists, id)
		}
	}
	for _, id := range facIDs {
		if _, ok := s.facilities[id]; !ok {
			return nil, fmt.Errorf("%w: %d", ErrFacilityNotExists, id)
		}
	}

	if len(facIDs) == 0 {
		for id, fe := range s.facilities {
			for _, sid := range svcIDs {
				if lo.Contains(fe.Services, sid) {
					facIDs = append(facIDs, id)
					break
				}
			}
		}
		sort.Ints(facIDs)
	}

	var out []Binding
	for _, fid := range facIDs {
		fe := s.facilities[fid]
		var services []task.Service
		for _, sid := range fe.Services {
			if len(svcIDs) > 0 && !lo.Contains(svcIDs, sid) {
				continue
			}
			services = append(services, s.services[sid])
		}
		if len(services) > 0 {
			out = append(out, Binding{Facility: fe.Facility, Services: services})
		}
	}
	return out, nil
}

// GetFacility returns the facility with the id.
func (d *FileDirectory) GetFacility(_ context.Context, id int) (task.Facility, error) {
	fe, ok := d.current().facilities[id]
	if !ok {
		return task.Facility{}, fmt.Errorf("%w: %d", ErrFacilityNotExists, id)
	}
	return fe.Facility, nil
}

// GetService returns the service with the id.
func (d *FileDirectory) GetService(_ context.Context, id int) (task.Service, error) {
	svc, ok := d.current().services[id]
	if !ok {
		return task.Service{}, fmt.Errorf("%w: %d", ErrServiceNotExists, id)
	}
	return svc, nil
}

// GetDestinations returns a copy of the destinations of the service on the facility.
func (d *FileDirectory) GetDestinations(_ context.Context, facilityID, serviceID int) ([]task.Destination, error) {
	s := d.current()
	fe, ok := s.facilities[facilityID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrFacilityNotExists, facilityID)
	}
	if _, ok := s.services[serviceID]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrServiceNotExists, serviceID)
	}
	return append([]task.Destination(nil), fe.Destinations[serviceID]...), nil
}

// IsServiceDeniedOnFacility reports whether the service is blocked on the facility.
func (d *FileDirectory) IsServiceDeniedOnFacility(_ context.Context, serviceID, facilityID int) (bool, error) {
	fe, ok := d.current().facilities[facilityID]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrFacilityNotExists, facilityID)
	}
	return lo.Contains(fe.Denied, serviceID), nil
}

// IsServiceAssigned reports whether the service is still assigned to the facility.
func (d *FileDirectory) IsServiceAssigned(_ context.Context, serviceID, facilityID int) (bool, error) {
	s := d.current()
	fe, ok := s.facilities[facilityID]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrFacilityNotExists, facilityID)
	}
	if _, ok := s.services[serviceID]; !ok {
		return false, fmt.Errorf("%w: %d", ErrServiceNotExists, serviceID)
	}
	return lo.Contains(fe.Services, serviceID), nil
}

func refIDs(re *regexp.Regexp, body string) []int {
	var ids []int
	for _, m := range re.FindAllStringSubmatch(body, -1) {
		id, err := strconv.Atoi(m[1])
		if err != nil || lo.Contains(ids, id) {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
