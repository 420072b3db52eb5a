package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Page selects what the display renders.
type Page string

const (
	PageMain           Page = "main"
	PageSchedule       Page = "schedule"
	PageMeal           Page = "meal"
	PageRoadmap        Page = "roadmap"
	PageAnnouncement   Page = "announcement"
	PageConnectionInfo Page = "connectionInfo"
)

type ScheduleView string

const (
	ScheduleMonthly ScheduleView = "monthly"
	ScheduleWeekly  ScheduleView = "weekly"
)

const (
	scheduleDateLayout = "2006-01-02"
	maxMealDateOffset  = 31
	maxImageIDLength   = 128
)

// ControlPayload is the display instruction a control device pushes. Each variant carries
// only the parameters of its own page; the stored form is a flat JSON object with "page".
type ControlPayload interface {
	Page() Page
	Validate() error
}

type MainPage struct{}

type SchedulePage struct {
	View ScheduleView `json:"scheduleView"`
	Date string       `json:"scheduleDate,omitempty"`
}

// MealPage.DateOffset is days relative to today (0 = today, -1 = yesterday).
type MealPage struct {
	DateOffset int `json:"mealDate"`
}

type RoadmapPage struct {
	SelectedImageID string `json:"selectedImageId,omitempty"`
}

type AnnouncementPage struct {
	Index int `json:"announcementIndex"`
}

type ConnectionInfoPage struct{}

func (MainPage) Page() Page           { return PageMain }
func (SchedulePage) Page() Page       { return PageSchedule }
func (MealPage) Page() Page           { return PageMeal }
func (RoadmapPage) Page() Page        { return PageRoadmap }
func (AnnouncementPage) Page() Page   { return PageAnnouncement }
func (ConnectionInfoPage) Page() Page { return PageConnectionInfo }

func (MainPage) Validate() error           { return nil }
func (ConnectionInfoPage) Validate() error { return nil }

func (p SchedulePage) Validate() error {
	if p.View != ScheduleMonthly && p.View != ScheduleWeekly {
		return fmt.Errorf("scheduleView must be %q or %q", ScheduleMonthly, ScheduleWeekly)
	}
	if p.Date != "" {
		if _, err := time.Parse(scheduleDateLayout, p.Date); err != nil {
			return fmt.Errorf("scheduleDate must be YYYY-MM-DD")
		}
	}
	return nil
}

func (p MealPage) Validate() error {
	if p.DateOffset < -maxMealDateOffset || p.DateOffset > maxMealDateOffset {
		return fmt.Errorf("mealDate must be within ±%d days", maxMealDateOffset)
	}
	return nil
}

func (p RoadmapPage) Validate() error {
	if len(p.SelectedImageID) > maxImageIDLength {
		return fmt.Errorf("selectedImageId is too long")
	}
	return nil
}

func (p AnnouncementPage) Validate() error {
	if p.Index < 0 {
		return fmt.Errorf("announcementIndex must not be negative")
	}
	return nil
}

// AdminNotice is the reserved controlState value written before a forced teardown.
type AdminNotice struct {
	AdminRemoved bool   `json:"adminRemoved"`
	Message      string `json:"message"`
}

func NewAdminNotice(message string) AdminNotice {
	if message == "" {
		message = "Disconnected by an administrator"
	}
	return AdminNotice{AdminRemoved: true, Message: message}
}

// ControlState is a decoded controlState column: exactly one of Payload or Notice is set.
type ControlState struct {
	Payload ControlPayload
	Notice  *AdminNotice
}

type pageHeader struct {
	Page Page `json:"page"`
}

// EncodeControlPayload validates p and renders it as {"page": ..., <page fields>}.
func EncodeControlPayload(p ControlPayload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("payload is required")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	head, err := json.Marshal(pageHeader{Page: p.Page()})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if string(body) == "{}" {
		return head, nil
	}

	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// DecodeControlPayload parses a flat payload, rejecting fields that do not belong to its page.
func DecodeControlPayload(raw []byte) (ControlPayload, error) {
	var head pageHeader
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object")
	}

	var (
		p   ControlPayload
		err error
	)
	switch head.Page {
	case PageMain:
		var v struct {
			Page Page `json:"page"`
			MainPage
		}
		err = decodeStrict(raw, &v)
		p = v.MainPage
	case PageSchedule:
		var v struct {
			Page Page `json:"page"`
			SchedulePage
		}
		err = decodeStrict(raw, &v)
		p = v.SchedulePage
	case PageMeal:
		var v struct {
			Page Page `json:"page"`
			MealPage
		}
		err = decodeStrict(raw, &v)
		p = v.MealPage
	case PageRoadmap:
		var v struct {
			Page Page `json:"page"`
			RoadmapPage
		}
		err = decodeStrict(raw, &v)
		p = v.RoadmapPage
	case PageAnnouncement:
		var v struct {
			Page Page `json:"page"`
			AnnouncementPage
		}
		err = decodeStrict(raw, &v)
		p = v.AnnouncementPage
	case PageConnectionInfo:
		var v struct {
			Page Page `json:"page"`
			ConnectionInfoPage
		}
		err = decodeStrict(raw, &v)
		p = v.ConnectionInfoPage
	case "":
		return nil, fmt.Errorf("page is required")
	default:
		return nil, fmt.Errorf("unknown page %q", head.Page)
	}
	if err != nil {
		return nil, err
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// DecodeControlState distinguishes an admin notice from a regular page payload.
func DecodeControlState(raw []byte) (ControlState, error) {
	if IsAdminNotice(raw) {
		var n AdminNotice
		if err := json.Unmarshal(raw, &n); err != nil {
			return ControlState{}, err
		}
		return ControlState{Notice: &n}, nil
	}

	p, err := DecodeControlPayload(raw)
	if err != nil {
		return ControlState{}, err
	}
	return ControlState{Payload: p}, nil
}

func IsAdminNotice(raw []byte) bool {
	var probe struct {
		AdminRemoved bool `json:"adminRemoved"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.AdminRemoved
}

func decodeStrict(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
