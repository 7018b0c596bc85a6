package ical

import (
	"bytes"
	"fmt"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
)

// BuildFreeBusy renders a VFREEBUSY calendar with BUSY intervals, used for
// the locally computed free/busy fallback.
func BuildFreeBusy(start, end time.Time, busy []Interval) ([]byte, error) {
	cal := &ical.Calendar{
		Component: &ical.Component{
			Name:  ical.CompCalendar,
			Props: ical.Props{},
		},
	}
	cal.Props.SetText(ical.PropProductID, ProdID)
	cal.Props.SetText(ical.PropVersion, "2.0")

	fb := &ical.Component{Name: ical.CompFreeBusy, Props: ical.Props{}}
	fb.Props.SetText(ical.PropUID, uuid.NewString())
	fb.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	fb.Props.SetDateTime(ical.PropDateTimeStart, start.UTC())
	fb.Props.SetDateTime(ical.PropDateTimeEnd, end.UTC())
	for _, interval := range busy {
		prop := ical.NewProp(ical.PropFreeBusy)
		prop.Params.Set("FBTYPE", "BUSY")
		prop.SetText(fmt.Sprintf("%s/%s",
			interval.S.UTC().Format("20060102T150405Z"),
			interval.E.UTC().Format("20060102T150405Z")))
		fb.Props.Add(prop)
	}
	cal.Children = []*ical.Component{fb}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
