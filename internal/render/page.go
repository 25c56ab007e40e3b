package render

import (
	"embed"
	"fmt"
	"html/template"
	"io"

	"github.com/kjstillabower/weather-widget/internal/models"
	"github.com/kjstillabower/weather-widget/internal/theme"
	"github.com/kjstillabower/weather-widget/internal/view"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.New("widget").Funcs(template.FuncMap{
	"rangeName": func(d view.DayRange) string { return d.String() },
	"unitName":  func(u models.UnitSystem) string { return u.String() },
}).ParseFS(templateFS, "templates/*.html"))

// RangeOption and UnitOption describe one button of a mutually exclusive group.
type RangeOption struct {
	Label    string
	Range    view.DayRange
	Selected bool
}

type UnitOption struct {
	Label    string
	Units    models.UnitSystem
	Selected bool
}

// WidgetPage is the input to Page.
type WidgetPage struct {
	SessionID  string
	SearchText string
	Loading    bool
	State      view.State
	Data       *DataView // nil until the first successful fetch
	Notice     string    // auto-dismissing message near the search field
	Failure    string    // persistent refresh failure indicator
	NoticeTTL  int       // seconds before the notice hides itself
}

type pageData struct {
	WidgetPage
	Theme        theme.Style
	RangeOptions []RangeOption
	UnitOptions  []UnitOption
	ActionBase   string
}

// Page writes the full widget document for p.
func Page(w io.Writer, p WidgetPage) error {
	data := pageData{
		WidgetPage: p,
		Theme:      theme.Overcast,
		ActionBase: "/widget/" + p.SessionID,
	}
	if p.Data != nil {
		data.Theme = p.Data.Theme
	}
	for _, o := range []struct {
		label string
		r     view.DayRange
	}{{"Today", view.Today}, {"3 Day", view.ThreeDay}, {"Week", view.Weekly}} {
		data.RangeOptions = append(data.RangeOptions, RangeOption{Label: o.label, Range: o.r, Selected: p.State.Range == o.r})
	}
	for _, u := range []models.UnitSystem{models.Imperial, models.Metric} {
		data.UnitOptions = append(data.UnitOptions, UnitOption{Label: u.TemperatureSymbol(), Units: u, Selected: p.State.Units == u})
	}

	if err := templates.ExecuteTemplate(w, "widget.html", data); err != nil {
		return fmt.Errorf("render widget: %w", err)
	}
	return nil
}
