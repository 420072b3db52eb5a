package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/schoolkiosk/kiosk-relay-go/internal/model"
)

// pageFlags holds the per-page parameters of "send"; only the ones the chosen page
// uses are read.
type pageFlags struct {
	scheduleView string
	scheduleDate string
	mealOffset   int
	imageID      string
	announcement int
}

func (f *pageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.scheduleView, "view", string(model.ScheduleMonthly), "schedule: monthly or weekly")
	cmd.Flags().StringVar(&f.scheduleDate, "date", "", "schedule: YYYY-MM-DD")
	cmd.Flags().IntVar(&f.mealOffset, "offset", 0, "meal: days from today")
	cmd.Flags().StringVar(&f.imageID, "image", "", "roadmap: selected image id")
	cmd.Flags().IntVar(&f.announcement, "index", 0, "announcement: index")
}

func (f *pageFlags) payload(name string) (model.ControlPayload, error) {
	var p model.ControlPayload
	switch model.Page(name) {
	case model.PageMain:
		p = model.MainPage{}
	case model.PageSchedule:
		p = model.SchedulePage{View: model.ScheduleView(f.scheduleView), Date: f.scheduleDate}
	case model.PageMeal:
		p = model.MealPage{DateOffset: f.mealOffset}
	case model.PageRoadmap:
		p = model.RoadmapPage{SelectedImageID: f.imageID}
	case model.PageAnnouncement:
		p = model.AnnouncementPage{Index: f.announcement}
	case model.PageConnectionInfo:
		p = model.ConnectionInfoPage{}
	default:
		return nil, fmt.Errorf("unknown page %q", name)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return p, nil
}
