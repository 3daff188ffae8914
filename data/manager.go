package data

import (
	"strings"
)

// Splits maps split names ("train", "validation", ...) to loaders, keeping
// insertion order so lookups by substring are deterministic.
type Splits struct {
	names   []string
	loaders map[string]*Loader
}

func NewSplits() *Splits {
	return &Splits{loaders: make(map[string]*Loader)}
}

// Set adds or replaces a split. Replacing keeps the original position.
func (s *Splits) Set(name string, loader *Loader) {
	if _, ok := s.loaders[name]; !ok {
		s.names = append(s.names, name)
	}
	s.loaders[name] = loader
}

func (s *Splits) Get(name string) (*Loader, bool) {
	l, ok := s.loaders[name]
	return l, ok
}

// Names returns split names in insertion order.
func (s *Splits) Names() []string {
	return append([]string(nil), s.names...)
}

// Find returns the first split, in insertion order, whose name contains substr.
func (s *Splits) Find(substr string) (string, *Loader, bool) {
	for _, name := range s.names {
		if strings.Contains(name, substr) {
			return name, s.loaders[name], true
		}
	}
	return "", nil, false
}

func (s *Splits) clone() *Splits {
	c := &Splits{
		names:   append([]string(nil), s.names...),
		loaders: make(map[string]*Loader, len(s.loaders)),
	}
	for k, v := range s.loaders {
		c.loaders[k] = v
	}
	return c
}

// Manager maps dataset names to their splits.
type Manager struct {
	names    []string
	datasets map[string]*Splits
}

func NewManager() *Manager {
	return &Manager{datasets: make(map[string]*Splits)}
}

// Add registers loader as split of dataset, creating the dataset entry on first use.
func (m *Manager) Add(dataset, split string, loader *Loader) {
	s, ok := m.datasets[dataset]
	if !ok {
		s = NewSplits()
		m.datasets[dataset] = s
		m.names = append(m.names, dataset)
	}
	s.Set(split, loader)
}

// Splits returns the split table of a dataset.
func (m *Manager) Splits(dataset string) (*Splits, bool) {
	s, ok := m.datasets[dataset]
	return s, ok
}

// Loader returns one split's loader.
func (m *Manager) Loader(dataset, split string) (*Loader, bool) {
	s, ok := m.datasets[dataset]
	if !ok {
		return nil, false
	}
	return s.Get(split)
}

// Datasets returns dataset names in registration order.
func (m *Manager) Datasets() []string {
	return append([]string(nil), m.names...)
}

// Clone copies the dataset and split tables. Loaders are shared, so
// replacing a split in the clone leaves the original untouched.
func (m *Manager) Clone() *Manager {
	c := &Manager{
		names:    append([]string(nil), m.names...),
		datasets: make(map[string]*Splits, len(m.datasets)),
	}
	for k, v := range m.datasets {
		c.datasets[k] = v.clone()
	}
	return c
}
