package sampler

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tables holds the seven measured distributions that drive a browsing session.
// Sizes are in bytes, think time in seconds.
type Tables struct {
	ConsecutivePages []Point `yaml:"consecutive_pages"`
	ThinkTime        []Point `yaml:"think_time"`
	PrimaryRequest   []Point `yaml:"primary_request"`
	SecondaryRequest []Point `yaml:"secondary_request"`
	PrimaryReply     []Point `yaml:"primary_reply"`
	SecondaryReply   []Point `yaml:"secondary_reply"`
	FilesPerPage     []Point `yaml:"files_per_page"`
}

// DefaultTables returns the built-in distributions, shaped after published
// HTTP/1.0 browsing measurements.
func DefaultTables() Tables {
	return Tables{
		ConsecutivePages: []Point{
			{1, 0}, {1, 0.30}, {2, 0.45}, {3, 0.55}, {5, 0.68},
			{10, 0.82}, {20, 0.92}, {50, 0.98}, {100, 1},
		},
		ThinkTime: []Point{
			{1, 0}, {2, 0.10}, {5, 0.25}, {10, 0.40}, {20, 0.55}, {50, 0.72},
			{100, 0.83}, {200, 0.91}, {500, 0.97}, {1000, 0.99}, {3000, 1},
		},
		PrimaryRequest: []Point{
			{0, 0}, {200, 0.05}, {300, 0.30}, {400, 0.65}, {500, 0.85},
			{700, 0.95}, {1000, 0.99}, {2000, 1},
		},
		SecondaryRequest: []Point{
			{0, 0}, {200, 0.10}, {300, 0.45}, {400, 0.80}, {500, 0.93},
			{700, 0.98}, {1000, 1},
		},
		PrimaryReply: []Point{
			{0, 0}, {500, 0.05}, {1000, 0.15}, {2000, 0.32}, {5000, 0.60},
			{10000, 0.80}, {20000, 0.91}, {50000, 0.97}, {100000, 0.99}, {500000, 1},
		},
		SecondaryReply: []Point{
			{0, 0}, {100, 0.10}, {500, 0.30}, {1000, 0.45}, {2000, 0.60},
			{5000, 0.80}, {10000, 0.90}, {20000, 0.96}, {50000, 0.99}, {200000, 1},
		},
		FilesPerPage: []Point{
			{1, 0}, {1, 0.35}, {2, 0.50}, {3, 0.60}, {5, 0.72},
			{10, 0.85}, {20, 0.94}, {50, 0.99}, {100, 1},
		},
	}
}

// LoadTables reads distributions from a YAML file. Tables missing from the
// file keep their built-in defaults.
func LoadTables(path string) (Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, fmt.Errorf("failed to read distribution file %s: %w", path, err)
	}

	var loaded Tables
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return Tables{}, fmt.Errorf("failed to parse distribution file %s: %w", path, err)
	}

	t := DefaultTables()
	merge := func(dst *[]Point, src []Point) {
		if len(src) > 0 {
			*dst = src
		}
	}
	merge(&t.ConsecutivePages, loaded.ConsecutivePages)
	merge(&t.ThinkTime, loaded.ThinkTime)
	merge(&t.PrimaryRequest, loaded.PrimaryRequest)
	merge(&t.SecondaryRequest, loaded.SecondaryRequest)
	merge(&t.PrimaryReply, loaded.PrimaryReply)
	merge(&t.SecondaryReply, loaded.SecondaryReply)
	merge(&t.FilesPerPage, loaded.FilesPerPage)

	if err := t.Validate(); err != nil {
		return Tables{}, fmt.Errorf("invalid distribution file %s: %w", path, err)
	}
	return t, nil
}

// Validate checks every table and names the first bad one.
func (t Tables) Validate() error {
	for _, nt := range t.named() {
		if err := ValidateTable(nt.points); err != nil {
			return fmt.Errorf("%s: %w", nt.name, err)
		}
	}
	return nil
}

type namedTable struct {
	name   string
	points []Point
}

func (t Tables) named() []namedTable {
	return []namedTable{
		{"consecutive_pages", t.ConsecutivePages},
		{"think_time", t.ThinkTime},
		{"primary_request", t.PrimaryRequest},
		{"secondary_request", t.SecondaryRequest},
		{"primary_reply", t.PrimaryReply},
		{"secondary_reply", t.SecondaryReply},
		{"files_per_page", t.FilesPerPage},
	}
}

// Set is the group of samplers owned by one client session. All seven draw
// from the same source, so a session's variates depend only on its seed and
// the order of its draws.
type Set struct {
	Pages             *Empirical
	ThinkTime         *Empirical
	PrimaryRequest    *Empirical
	SecondaryRequest  *Empirical
	PrimaryResponse   *Empirical
	SecondaryResponse *Empirical
	FilesPerPage      *Empirical
}

// NewSet builds the seven samplers of a session.
func NewSet(t Tables, src Source) (*Set, error) {
	build := func(name string, pts []Point) (*Empirical, error) {
		e, err := NewEmpirical(pts, src)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s sampler: %w", name, err)
		}
		return e, nil
	}

	var s Set
	var err error
	if s.Pages, err = build("consecutive_pages", t.ConsecutivePages); err != nil {
		return nil, err
	}
	if s.ThinkTime, err = build("think_time", t.ThinkTime); err != nil {
		return nil, err
	}
	if s.PrimaryRequest, err = build("primary_request", t.PrimaryRequest); err != nil {
		return nil, err
	}
	if s.SecondaryRequest, err = build("secondary_request", t.SecondaryRequest); err != nil {
		return nil, err
	}
	if s.PrimaryResponse, err = build("primary_reply", t.PrimaryReply); err != nil {
		return nil, err
	}
	if s.SecondaryResponse, err = build("secondary_reply", t.SecondaryReply); err != nil {
		return nil, err
	}
	if s.FilesPerPage, err = build("files_per_page", t.FilesPerPage); err != nil {
		return nil, err
	}
	return &s, nil
}
