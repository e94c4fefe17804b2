package models

import (
	"fmt"
	"time"
)

// TriggerType is the category of event an automation listens to.
type TriggerType string

const (
	TriggerNewMessage           TriggerType = "new_message"
	TriggerNewContact           TriggerType = "new_contact"
	TriggerContactUpdated       TriggerType = "contact_updated"
	TriggerPipelineStageChanged TriggerType = "pipeline_stage_changed"
	TriggerTagAdded             TriggerType = "tag_added"
	TriggerTagRemoved           TriggerType = "tag_removed"
	TriggerFormSubmitted        TriggerType = "form_submitted"
	TriggerScheduled            TriggerType = "scheduled"
	TriggerCustom               TriggerType = "custom"
)

func (t TriggerType) Valid() bool {
	switch t {
	case TriggerNewMessage, TriggerNewContact, TriggerContactUpdated, TriggerPipelineStageChanged,
		TriggerTagAdded, TriggerTagRemoved, TriggerFormSubmitted, TriggerScheduled, TriggerCustom:
		return true
	}

	return false
}

func (t TriggerType) IsTagTrigger() bool {
	return t == TriggerTagAdded || t == TriggerTagRemoved
}

type Trigger struct {
	Type       TriggerType        `json:"type"                 validate:"required"`
	Conditions *TriggerConditions `json:"conditions,omitempty"`
	Schedule   *Schedule          `json:"schedule,omitempty"`
}

// TriggerConditions narrows which events of the trigger's category fire the
// automation. Empty filters match everything.
type TriggerConditions struct {
	Channels    []string    `json:"channels,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
	PipelineID  string      `json:"pipeline_id,omitempty"`
	FromStageID string      `json:"from_stage_id,omitempty"`
	ToStageID   string      `json:"to_stage_id,omitempty"`
	FormID      string      `json:"form_id,omitempty"`
	EventName   string      `json:"event_name,omitempty"`
	Fields      []Condition `json:"fields,omitempty"`
}

func (c *TriggerConditions) IsEmpty() bool {
	return c == nil || (len(c.Channels) == 0 && len(c.Tags) == 0 && c.PipelineID == "" &&
		c.FromStageID == "" && c.ToStageID == "" && c.FormID == "" && c.EventName == "" && len(c.Fields) == 0)
}

type Frequency string

const (
	FrequencyOnce    Frequency = "once"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

const DateLayout = "2006-01-02"

// Schedule describes when a scheduled trigger fires. Dates are calendar days
// in Timezone; EndDate is inclusive.
type Schedule struct {
	Frequency   Frequency `json:"frequency"               validate:"required,oneof=once daily weekly monthly"`
	Time        string    `json:"time"                    validate:"required,datetime=15:04"`
	DaysOfWeek  []int     `json:"days_of_week,omitempty"  validate:"omitempty,dive,min=0,max=6"`
	DaysOfMonth []int     `json:"days_of_month,omitempty" validate:"omitempty,dive,min=1,max=31"`
	StartDate   string    `json:"start_date,omitempty"    validate:"omitempty,datetime=2006-01-02"`
	EndDate     string    `json:"end_date,omitempty"      validate:"omitempty,datetime=2006-01-02"`
	Timezone    string    `json:"timezone,omitempty"`
}

func (s *Schedule) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}

	return time.LoadLocation(s.Timezone)
}

// Clock returns the hour and minute of the fire time.
func (s *Schedule) Clock() (int, int, error) {
	t, err := time.Parse("15:04", s.Time)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidSchedule, s.Time)
	}

	return t.Hour(), t.Minute(), nil
}

// Window returns the first instant of StartDate and the first instant after
// EndDate, zero when unset.
func (s *Schedule) Window() (time.Time, time.Time, error) {
	loc, err := s.Location()
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: timezone %q: %v", ErrInvalidSchedule, s.Timezone, err)
	}

	var start, end time.Time

	if s.StartDate != "" {
		start, err = time.ParseInLocation(DateLayout, s.StartDate, loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: start date %q", ErrInvalidSchedule, s.StartDate)
		}
	}

	if s.EndDate != "" {
		end, err = time.ParseInLocation(DateLayout, s.EndDate, loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: end date %q", ErrInvalidSchedule, s.EndDate)
		}

		end = end.AddDate(0, 0, 1)
	}

	if !start.IsZero() && !end.IsZero() && !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end date before start date", ErrInvalidSchedule)
	}

	return start, end, nil
}

// Validate checks fields the struct tags cannot express.
func (s *Schedule) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	if _, _, err := s.Clock(); err != nil {
		return err
	}

	if _, _, err := s.Window(); err != nil {
		return err
	}

	switch s.Frequency {
	case FrequencyOnce:
		if s.StartDate == "" {
			return fmt.Errorf("%w: once schedules need a start date", ErrInvalidSchedule)
		}
	case FrequencyWeekly:
		if len(s.DaysOfWeek) == 0 {
			return fmt.Errorf("%w: weekly schedules need days of week", ErrInvalidSchedule)
		}
	case FrequencyMonthly:
		if len(s.DaysOfMonth) == 0 {
			return fmt.Errorf("%w: monthly schedules need days of month", ErrInvalidSchedule)
		}
	case FrequencyDaily:
	}

	return nil
}

func (t *Trigger) validate(cfgErr *ConfigurationError) {
	if !t.Type.Valid() {
		cfgErr.add("trigger type %q is not supported", t.Type)

		return
	}

	if t.Type == TriggerScheduled {
		if t.Schedule == nil {
			cfgErr.add("scheduled trigger needs a schedule")
		} else if err := t.Schedule.Validate(); err != nil {
			cfgErr.add("%v", err)
		}

		if !t.Conditions.IsEmpty() {
			cfgErr.add("scheduled trigger cannot carry event conditions")
		}

		return
	}

	if t.Schedule != nil {
		cfgErr.add("%s trigger cannot carry a schedule", t.Type)
	}

	if t.Conditions != nil {
		for i, c := range t.Conditions.Fields {
			if err := c.Validate(); err != nil {
				cfgErr.add("trigger condition %d: %v", i, err)
			}
		}
	}
}
