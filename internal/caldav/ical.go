package caldav

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"gitea.jw6.us/james/davkit/internal/dav"
	"gitea.jw6.us/james/davkit/internal/davxml"
)

// Date limits advertised in min-date-time and max-date-time and enforced on
// write.
const (
	MinDateTime = "19000101T000000Z"
	MaxDateTime = "21001231T235959Z"
)

const utcLayout = "20060102T150405Z"

var (
	minTime = mustParseUTC(MinDateTime)
	maxTime = mustParseUTC(MaxDateTime)
)

var (
	condValidCalendarData  = davxml.Clark(davxml.NSCalDAV, "valid-calendar-data")
	condValidObject        = davxml.Clark(davxml.NSCalDAV, "valid-calendar-object-resource")
	condSupportedComponent = davxml.Clark(davxml.NSCalDAV, "supported-calendar-component")
	condSupportedData      = davxml.Clark(davxml.NSCalDAV, "supported-calendar-data")
	condNoUIDConflict      = davxml.Clark(davxml.NSCalDAV, "no-uid-conflict")
	condMinDateTime        = davxml.Clark(davxml.NSCalDAV, "min-date-time")
	condMaxDateTime        = davxml.Clark(davxml.NSCalDAV, "max-date-time")

	errNoComponent = errors.New("the calendar object holds no component")
)

func mustParseUTC(s string) time.Time {
	t, err := parseUTC(s)
	if err != nil {
		panic(fmt.Sprintf("invalid date-time constant %q: %v", s, err))
	}
	return t
}

// parseUTC parses a date-time in the UTC form required by time-range
// attributes.
func parseUTC(s string) (time.Time, error) {
	return time.ParseInLocation(utcLayout, s, time.UTC)
}

func decodeCalendar(data []byte) (*ical.Calendar, error) {
	return ical.NewDecoder(bytes.NewReader(data)).Decode()
}

func encodeCalendar(cal *ical.Calendar) ([]byte, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// objectInfo is what the store indexes about a calendar object.
type objectInfo struct {
	UID       string
	Component string
}

// inspectObject returns the single component type and UID of a calendar
// object. VTIMEZONE components are ignored.
func inspectObject(data []byte) (objectInfo, error) {
	cal, err := decodeCalendar(data)
	if err != nil {
		return objectInfo{}, err
	}
	return inspectCalendar(cal)
}

func inspectCalendar(cal *ical.Calendar) (objectInfo, error) {
	var info objectInfo
	for _, comp := range cal.Children {
		if comp.Name == ical.CompTimezone {
			continue
		}
		if info.Component == "" {
			info.Component = comp.Name
		} else if info.Component != comp.Name {
			return info, fmt.Errorf("a calendar object may not mix %s and %s components", info.Component, comp.Name)
		}
		uid := ""
		if p := comp.Props.Get(ical.PropUID); p != nil {
			uid = p.Value
		}
		if uid == "" {
			return info, fmt.Errorf("every %s must have a UID", comp.Name)
		}
		if info.UID == "" {
			info.UID = uid
		} else if info.UID != uid {
			return info, fmt.Errorf("a calendar object may not hold more than one UID")
		}
	}
	if info.Component == "" {
		return info, errNoComponent
	}
	return info, nil
}

// validateObject checks data for storage in a calendar accepting
// components. It returns the UID of the object.
func validateObject(data []byte, components []string) (string, error) {
	cal, err := decodeCalendar(data)
	if err != nil {
		return "", dav.UnsupportedMediaType(condValidCalendarData, "this resource only supports valid iCalendar data: %v", err)
	}
	if cal.Name != ical.CompCalendar {
		return "", dav.UnsupportedMediaType(condValidCalendarData, "the object must be a VCALENDAR")
	}
	if cal.Props.Get(ical.PropMethod) != nil {
		return "", dav.ForbiddenCondition(condValidObject, "calendar object resources may not carry a METHOD")
	}
	info, err := inspectCalendar(cal)
	if err != nil {
		return "", dav.ForbiddenCondition(condValidObject, "%v", err)
	}
	if !hasComponent(components, info.Component) {
		return "", dav.ForbiddenCondition(condSupportedComponent, "this calendar does not accept %s components", info.Component)
	}
	for _, comp := range cal.Children {
		if comp.Name == ical.CompTimezone {
			continue
		}
		start := comp.Props.Get(ical.PropDateTimeStart)
		if start == nil {
			continue
		}
		// Unknown TZIDs are not checked against the limits.
		t, err := start.DateTime(time.UTC)
		if err != nil {
			continue
		}
		if t.Before(minTime) {
			return "", dav.ForbiddenCondition(condMinDateTime, "DTSTART is before %s", MinDateTime)
		}
		if t.After(maxTime) {
			return "", dav.ForbiddenCondition(condMaxDateTime, "DTSTART is after %s", MaxDateTime)
		}
	}
	return info.UID, nil
}

func hasComponent(components []string, name string) bool {
	for _, c := range components {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// calendarDataRequest selects what calendar-data returns. A nil request
// or a nil Comp returns the stored object unchanged.
type calendarDataRequest struct {
	Comp *compRequest
}

// compRequest selects the properties and children of one component. Empty
// lists select everything.
type compRequest struct {
	Name  string
	Props []propRequest
	Comps []compRequest
}

type propRequest struct {
	Name    string
	NoValue bool
}

// parseCalendarData reads a {cal}calendar-data element from a report prop.
// expand and limit-recurrence-set are accepted and ignored.
func parseCalendarData(el *davxml.Element) (*calendarDataRequest, error) {
	req := &calendarDataRequest{}
	if el == nil {
		return req, nil
	}
	if ct := el.AttrDefault("content-type", ical.MIMEType); !strings.EqualFold(ct, ical.MIMEType) {
		return nil, dav.UnsupportedMediaType(condSupportedData, "content-type %s is not supported", ct)
	}
	if v := el.AttrDefault("version", "2.0"); v != "2.0" {
		return nil, dav.UnsupportedMediaType(condSupportedData, "iCalendar version %s is not supported", v)
	}
	comp := el.Child(davxml.Clark(davxml.NSCalDAV, "comp"))
	if comp == nil {
		return req, nil
	}
	c, err := parseCompRequest(comp)
	if err != nil {
		return nil, err
	}
	if c.Name != ical.CompCalendar {
		return nil, dav.BadRequest("calendar-data must select the VCALENDAR component")
	}
	req.Comp = &c
	return req, nil
}

func parseCompRequest(el *davxml.Element) (compRequest, error) {
	c := compRequest{Name: strings.ToUpper(el.AttrDefault("name", ""))}
	if c.Name == "" {
		return c, dav.BadRequest("comp requires a name")
	}
	if el.Child(davxml.Clark(davxml.NSCalDAV, "allprop")) == nil {
		for _, p := range el.ChildrenNamed(davxml.Clark(davxml.NSCalDAV, "prop")) {
			name := strings.ToUpper(p.AttrDefault("name", ""))
			if name == "" {
				return c, dav.BadRequest("prop requires a name")
			}
			c.Props = append(c.Props, propRequest{Name: name, NoValue: p.AttrDefault("novalue", "no") == "yes"})
		}
	}
	if el.Child(davxml.Clark(davxml.NSCalDAV, "allcomp")) == nil {
		for _, child := range el.ChildrenNamed(davxml.Clark(davxml.NSCalDAV, "comp")) {
			sub, err := parseCompRequest(child)
			if err != nil {
				return c, err
			}
			c.Comps = append(c.Comps, sub)
		}
	}
	return c, nil
}

// render returns the object as requested.
func (r *calendarDataRequest) render(data []byte) (string, error) {
	if r == nil || r.Comp == nil {
		return string(data), nil
	}
	cal, err := decodeCalendar(data)
	if err != nil {
		return "", err
	}
	out, err := encodeCalendar(&ical.Calendar{Component: partialComponent(cal.Component, *r.Comp)})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// requiredProps are always returned so the partial object stays encodable.
var requiredProps = map[string][]string{
	ical.CompCalendar: {ical.PropVersion, ical.PropProductID},
	ical.CompEvent:    {ical.PropUID, ical.PropDateTimeStamp, ical.PropDateTimeStart},
	ical.CompToDo:     {ical.PropUID, ical.PropDateTimeStamp},
	ical.CompJournal:  {ical.PropUID, ical.PropDateTimeStamp},
	ical.CompTimezone: {ical.PropTimezoneID},
	ical.CompAlarm:    {ical.PropAction, ical.PropTrigger, ical.PropDescription, ical.PropSummary},
}

func partialComponent(src *ical.Component, req compRequest) *ical.Component {
	out := ical.NewComponent(src.Name)
	required := requiredProps[src.Name]
	for name, props := range src.Props {
		keep, noValue := len(req.Props) == 0, false
		for _, p := range req.Props {
			if p.Name == name {
				keep, noValue = true, p.NoValue
				break
			}
		}
		if hasComponent(required, name) {
			keep, noValue = true, false
		}
		if !keep {
			continue
		}
		for i := range props {
			if noValue {
				out.Props.Add(&ical.Prop{Name: name, Params: props[i].Params})
				continue
			}
			out.Props.Add(&props[i])
		}
	}
	for _, child := range src.Children {
		if len(req.Comps) == 0 {
			out.Children = append(out.Children, child)
			continue
		}
		for _, c := range req.Comps {
			if c.Name == child.Name {
				out.Children = append(out.Children, partialComponent(child, c))
				break
			}
		}
	}
	return out
}
