package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"

	"gopkg.in/yaml.v3"
)

// ExperienceConfig describes one bookable experience type.
type ExperienceConfig struct {
	Type            model.ExperienceType `yaml:"type"`
	Name            string               `yaml:"name"`
	Enabled         *bool                `yaml:"enabled,omitempty"`
	Capacity        int                  `yaml:"capacity"`
	MaxGuests       int                  `yaml:"max_guests"`
	MinNights       int                  `yaml:"min_nights,omitempty"`
	PriceCents      int64                `yaml:"price_cents"`
	DurationMinutes int                  `yaml:"duration_minutes,omitempty"`
	TimeSlots       []string             `yaml:"time_slots,omitempty"`     // "10:00"
	EveningSlots    []string             `yaml:"evening_slots,omitempty"`  // add-on sessions for cabin guests
	HorizonDays     int                  `yaml:"horizon_days,omitempty"`   // how far ahead slots are generated
}

// IsEnabled defaults to true when not set.
func (e *ExperienceConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// Duration is the session length; nightly types report a full day.
func (e *ExperienceConfig) Duration() time.Duration {
	if e.DurationMinutes <= 0 {
		if e.Type.Nightly() {
			return 24 * time.Hour
		}
		return time.Hour
	}
	return time.Duration(e.DurationMinutes) * time.Minute
}

// HasTimeSlot reports whether slot is one of the configured session times.
func (e *ExperienceConfig) HasTimeSlot(slot string) bool {
	for _, s := range e.TimeSlots {
		if s == slot {
			return true
		}
	}
	return false
}

// CatalogConfig is the root of experiences.yaml.
type CatalogConfig struct {
	Experiences []ExperienceConfig `yaml:"experiences"`
	// ClosedDates are generated as blocked slots.
	ClosedDates []string `yaml:"closed_dates"`
}

// Experience looks up one type.
func (c *CatalogConfig) Experience(t model.ExperienceType) (*ExperienceConfig, bool) {
	for i := range c.Experiences {
		if c.Experiences[i].Type == t {
			return &c.Experiences[i], true
		}
	}
	return nil, false
}

// IsClosed reports whether date (YYYY-MM-DD) is a closed day.
func (c *CatalogConfig) IsClosed(date string) bool {
	for _, d := range c.ClosedDates {
		if d == date {
			return true
		}
	}
	return false
}

// LoadCatalogConfig loads and validates experiences configuration from YAML file.
func LoadCatalogConfig(path string) (*CatalogConfig, error) {
	if path == "" {
		path = "configs/experiences.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read experiences config: %w", err)
	}

	var cfg CatalogConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse experiences config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate experiences config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *CatalogConfig) Validate() error {
	if len(c.Experiences) == 0 {
		return fmt.Errorf("no experiences defined")
	}

	seen := make(map[model.ExperienceType]bool)
	for i, e := range c.Experiences {
		if !e.Type.Valid() {
			return fmt.Errorf("experience[%d]: unknown type '%s'", i, e.Type)
		}
		if seen[e.Type] {
			return fmt.Errorf("experience[%d]: duplicate type '%s'", i, e.Type)
		}
		seen[e.Type] = true

		if e.Capacity < 0 {
			return fmt.Errorf("experience[%d]: capacity cannot be negative", i)
		}
		if e.PriceCents < 0 {
			return fmt.Errorf("experience[%d]: price cannot be negative", i)
		}
		if e.Type.Nightly() && len(e.TimeSlots) > 0 {
			return fmt.Errorf("experience[%d]: nightly type cannot have time slots", i)
		}
		for _, s := range append(append([]string{}, e.TimeSlots...), e.EveningSlots...) {
			if _, err := time.Parse("15:04", s); err != nil {
				return fmt.Errorf("experience[%d]: invalid time slot '%s', expected HH:MM", i, s)
			}
		}
	}

	for i, d := range c.ClosedDates {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return fmt.Errorf("closed_dates[%d]: invalid date format '%s', expected YYYY-MM-DD", i, d)
		}
	}
	return nil
}

func (c *CatalogConfig) applyDefaults() {
	for i := range c.Experiences {
		e := &c.Experiences[i]
		if e.Name == "" {
			e.Name = string(e.Type)
		}
		if e.MaxGuests <= 0 {
			e.MaxGuests = e.Capacity
		}
		if e.Type.Nightly() && e.MinNights <= 0 {
			e.MinNights = 2
		}
		if e.HorizonDays <= 0 {
			e.HorizonDays = 90
		}
	}
}

// Catalog holds the current experiences configuration and is safe to swap on reload.
type Catalog struct {
	current atomic.Pointer[CatalogConfig]
}

func NewCatalog(cfg *CatalogConfig) *Catalog {
	c := &Catalog{}
	c.Store(cfg)
	return c
}

func (c *Catalog) Store(cfg *CatalogConfig) {
	if cfg == nil {
		cfg = &CatalogConfig{}
	}
	c.current.Store(cfg)
}

func (c *Catalog) Current() *CatalogConfig {
	return c.current.Load()
}

// Experience returns the current config for t.
func (c *Catalog) Experience(t model.ExperienceType) (*ExperienceConfig, bool) {
	return c.Current().Experience(t)
}
