package caldav

import (
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"gitea.jw6.us/james/davkit/internal/dav"
	"gitea.jw6.us/james/davkit/internal/davxml"
)

// Open time-range bounds.
var (
	rangeFloor   = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	rangeCeiling = time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC)
)

// TimeRange is a {cal}time-range condition. A zero bound is open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

func (tr *TimeRange) bounds() (time.Time, time.Time) {
	start, end := tr.Start, tr.End
	if start.IsZero() {
		start = rangeFloor
	}
	if end.IsZero() {
		end = rangeCeiling
	}
	return start, end
}

// TextMatch is a {cal}text-match condition. CalDAV text matches are always
// substring matches.
type TextMatch struct {
	Value     string
	Collation string
	Negate    bool
}

func (m *TextMatch) matches(value string) (bool, error) {
	ok, err := dav.TextMatch(value, m.Value, m.Collation, dav.MatchContains)
	if err != nil {
		return false, err
	}
	return ok != m.Negate, nil
}

// ParamFilter is a {cal}param-filter condition.
type ParamFilter struct {
	Name         string
	IsNotDefined bool
	TextMatch    *TextMatch
}

// PropFilter is a {cal}prop-filter condition.
type PropFilter struct {
	Name         string
	IsNotDefined bool
	TimeRange    *TimeRange
	TextMatch    *TextMatch
	ParamFilters []ParamFilter
}

// CompFilter is a {cal}comp-filter condition.
type CompFilter struct {
	Name         string
	IsNotDefined bool
	TimeRange    *TimeRange
	CompFilters  []CompFilter
	PropFilters  []PropFilter
}

// QueryRequest is a parsed calendar-query report.
type QueryRequest struct {
	Props  []string
	Prop   *davxml.Element
	Filter CompFilter
}

// ParseQuery maps a calendar-query document. The filter must hold exactly
// one VCALENDAR comp-filter.
func ParseQuery(root *davxml.Element) (*QueryRequest, error) {
	if !root.Is(davxml.Clark(davxml.NSCalDAV, "calendar-query")) {
		return nil, dav.BadRequest("unexpected root element %s", root.Clark())
	}
	req := &QueryRequest{Prop: root.Child(davxml.Clark(davxml.NSDAV, "prop"))}
	req.Props = davxml.PropNames(req.Prop)
	if root.Child(davxml.Clark(davxml.NSDAV, "allprop")) != nil {
		req.Props = nil
	}

	filters := root.ChildrenNamed(davxml.Clark(davxml.NSCalDAV, "filter"))
	if len(filters) != 1 {
		return nil, dav.BadRequest("the calendar-query report must have exactly one filter element")
	}
	comps := filters[0].ChildrenNamed(davxml.Clark(davxml.NSCalDAV, "comp-filter"))
	if len(comps) != 1 {
		return nil, dav.BadRequest("the filter element must hold exactly one comp-filter")
	}
	f, err := parseCompFilter(comps[0])
	if err != nil {
		return nil, err
	}
	if f.Name != ical.CompCalendar {
		return nil, dav.BadRequest("the top level comp-filter must be VCALENDAR, %s given", f.Name)
	}
	if f.IsNotDefined || f.TimeRange != nil {
		return nil, dav.BadRequest("the VCALENDAR comp-filter cannot use is-not-defined or time-range")
	}
	req.Filter = f
	return req, nil
}

func parseCompFilter(el *davxml.Element) (CompFilter, error) {
	f := CompFilter{
		Name:         strings.ToUpper(el.AttrDefault("name", "")),
		IsNotDefined: el.Child(davxml.Clark(davxml.NSCalDAV, "is-not-defined")) != nil,
	}
	if f.Name == "" {
		return f, dav.BadRequest("comp-filter requires a name")
	}
	tr, err := parseTimeRange(el.Child(davxml.Clark(davxml.NSCalDAV, "time-range")))
	if err != nil {
		return f, err
	}
	f.TimeRange = tr
	for _, c := range el.ChildrenNamed(davxml.Clark(davxml.NSCalDAV, "comp-filter")) {
		sub, err := parseCompFilter(c)
		if err != nil {
			return f, err
		}
		f.CompFilters = append(f.CompFilters, sub)
	}
	for _, p := range el.ChildrenNamed(davxml.Clark(davxml.NSCalDAV, "prop-filter")) {
		pf, err := parsePropFilter(p)
		if err != nil {
			return f, err
		}
		f.PropFilters = append(f.PropFilters, pf)
	}
	return f, nil
}

func parsePropFilter(el *davxml.Element) (PropFilter, error) {
	f := PropFilter{
		Name:         strings.ToUpper(el.AttrDefault("name", "")),
		IsNotDefined: el.Child(davxml.Clark(davxml.NSCalDAV, "is-not-defined")) != nil,
	}
	if f.Name == "" {
		return f, dav.BadRequest("prop-filter requires a name")
	}
	tr, err := parseTimeRange(el.Child(davxml.Clark(davxml.NSCalDAV, "time-range")))
	if err != nil {
		return f, err
	}
	f.TimeRange = tr
	f.TextMatch = parseTextMatch(el.Child(davxml.Clark(davxml.NSCalDAV, "text-match")))
	for _, p := range el.ChildrenNamed(davxml.Clark(davxml.NSCalDAV, "param-filter")) {
		param := ParamFilter{
			Name:         strings.ToUpper(p.AttrDefault("name", "")),
			IsNotDefined: p.Child(davxml.Clark(davxml.NSCalDAV, "is-not-defined")) != nil,
			TextMatch:    parseTextMatch(p.Child(davxml.Clark(davxml.NSCalDAV, "text-match"))),
		}
		if param.Name == "" {
			return f, dav.BadRequest("param-filter requires a name")
		}
		f.ParamFilters = append(f.ParamFilters, param)
	}
	return f, nil
}

func parseTextMatch(el *davxml.Element) *TextMatch {
	if el == nil {
		return nil
	}
	return &TextMatch{
		Value:     el.TextContent(),
		Collation: el.AttrDefault("collation", dav.CollationASCIICasemap),
		Negate:    el.AttrDefault("negate-condition", "no") == "yes",
	}
}

func parseTimeRange(el *davxml.Element) (*TimeRange, error) {
	if el == nil {
		return nil, nil
	}
	tr := &TimeRange{}
	start, hasStart := el.Attr("start")
	end, hasEnd := el.Attr("end")
	if !hasStart && !hasEnd {
		return nil, dav.BadRequest("time-range requires a start or an end")
	}
	var err error
	if hasStart {
		if tr.Start, err = parseUTC(start); err != nil {
			return nil, dav.BadRequest("time-range start %q is not a UTC date-time", start)
		}
	}
	if hasEnd {
		if tr.End, err = parseUTC(end); err != nil {
			return nil, dav.BadRequest("time-range end %q is not a UTC date-time", end)
		}
	}
	if hasStart && hasEnd && !tr.End.After(tr.Start) {
		return nil, dav.BadRequest("time-range end must be after its start")
	}
	return tr, nil
}

// ValidateCalendarQuery reports whether cal satisfies the top level
// comp-filter f. Recurring components are evaluated on their first instance
// only.
func ValidateCalendarQuery(cal *ical.Calendar, f CompFilter) (bool, error) {
	if cal.Name != f.Name {
		return false, nil
	}
	ok, err := validateCompFilters(cal.Component, f.CompFilters)
	if err != nil || !ok {
		return false, err
	}
	return validatePropFilters(cal.Component, f.PropFilters)
}

func childrenNamed(parent *ical.Component, name string) []*ical.Component {
	var out []*ical.Component
	for _, c := range parent.Children {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

func validateCompFilters(parent *ical.Component, filters []CompFilter) (bool, error) {
next:
	for _, f := range filters {
		children := childrenNamed(parent, f.Name)
		if f.IsNotDefined {
			if len(children) > 0 {
				return false, nil
			}
			continue
		}
		if len(children) == 0 {
			return false, nil
		}
		for _, c := range children {
			if f.TimeRange != nil {
				ok, err := componentInTimeRange(c, parent, f.TimeRange)
				if err != nil {
					return false, err
				}
				if !ok {
					continue
				}
			}
			ok, err := validateCompFilters(c, f.CompFilters)
			if err != nil {
				return false, err
			}
			if !ok {
				continue
			}
			if ok, err = validatePropFilters(c, f.PropFilters); err != nil {
				return false, err
			}
			if ok {
				continue next
			}
		}
		return false, nil
	}
	return true, nil
}

func validatePropFilters(parent *ical.Component, filters []PropFilter) (bool, error) {
next:
	for _, f := range filters {
		props := parent.Props[f.Name]
		if f.IsNotDefined {
			if len(props) > 0 {
				return false, nil
			}
			continue
		}
		if len(props) == 0 {
			return false, nil
		}
		if f.TimeRange != nil {
			for i := range props {
				ok, err := propInTimeRange(&props[i], f.TimeRange)
				if err != nil {
					return false, err
				}
				if ok {
					continue next
				}
			}
			return false, nil
		}
		if len(f.ParamFilters) == 0 && f.TextMatch == nil {
			continue
		}
		for i := range props {
			ok, err := validateParamFilters(&props[i], f.ParamFilters)
			if err != nil {
				return false, err
			}
			if ok && f.TextMatch != nil {
				if ok, err = f.TextMatch.matches(props[i].Value); err != nil {
					return false, err
				}
			}
			if ok {
				continue next
			}
		}
		return false, nil
	}
	return true, nil
}

func validateParamFilters(prop *ical.Prop, filters []ParamFilter) (bool, error) {
next:
	for _, f := range filters {
		values := prop.Params[f.Name]
		if f.IsNotDefined {
			if len(values) > 0 {
				return false, nil
			}
			continue
		}
		if len(values) == 0 {
			return false, nil
		}
		if f.TextMatch == nil {
			continue
		}
		for _, v := range values {
			ok, err := f.TextMatch.matches(v)
			if err != nil {
				return false, err
			}
			if ok {
				continue next
			}
		}
		return false, nil
	}
	return true, nil
}

// dateProps may carry a prop-filter time-range.
var dateProps = map[string]bool{
	ical.PropCompleted:     true,
	ical.PropCreated:       true,
	ical.PropDateTimeEnd:   true,
	ical.PropDateTimeStamp: true,
	ical.PropDateTimeStart: true,
	ical.PropDue:           true,
	ical.PropLastModified:  true,
	ical.PropRecurrenceID:  true,
}

func propInTimeRange(prop *ical.Prop, tr *TimeRange) (bool, error) {
	if !dateProps[prop.Name] {
		return false, dav.BadRequest("a time-range filter cannot apply to %s", prop.Name)
	}
	t, err := prop.DateTime(time.UTC)
	if err != nil {
		return false, nil
	}
	start, end := tr.bounds()
	return !start.After(t) && !end.Before(t), nil
}

// componentInTimeRange applies the overlap rules of RFC 4791 section 9.9.
func componentInTimeRange(comp, parent *ical.Component, tr *TimeRange) (bool, error) {
	start, end := tr.bounds()
	switch comp.Name {
	case ical.CompEvent:
		return eventInRange(comp, start, end), nil
	case ical.CompToDo:
		return todoInRange(comp, start, end), nil
	case ical.CompJournal:
		return journalInRange(comp, start, end), nil
	case ical.CompAlarm:
		return alarmInRange(comp, parent, start, end), nil
	case ical.CompFreeBusy:
		return false, dav.NotImplemented("time-range filters are not supported on %s components", comp.Name)
	}
	return false, dav.BadRequest("a time-range filter cannot apply to %s components", comp.Name)
}

// propTime returns the value of a date or date-time property. Values that
// cannot be read are reported as missing.
func propTime(comp *ical.Component, name string) (time.Time, bool, bool) {
	p := comp.Props.Get(name)
	if p == nil {
		return time.Time{}, false, false
	}
	t, err := p.DateTime(time.UTC)
	if err != nil {
		return time.Time{}, false, false
	}
	return t, p.ValueType() == ical.ValueDate, true
}

func propDuration(comp *ical.Component) (time.Duration, bool) {
	p := comp.Props.Get(ical.PropDuration)
	if p == nil {
		return 0, false
	}
	d, err := p.Duration()
	if err != nil {
		return 0, false
	}
	return d, true
}

func eventInRange(comp *ical.Component, start, end time.Time) bool {
	dtstart, isDate, ok := propTime(comp, ical.PropDateTimeStart)
	if !ok {
		return false
	}
	var dtend time.Time
	if t, _, ok := propTime(comp, ical.PropDateTimeEnd); ok {
		dtend = t
	} else if d, ok := propDuration(comp); ok {
		dtend = dtstart.Add(d)
	} else if isDate {
		dtend = dtstart.AddDate(0, 0, 1)
	} else {
		dtend = dtstart
	}
	if !dtend.After(dtstart) {
		return !start.After(dtstart) && end.After(dtstart)
	}
	return start.Before(dtend) && end.After(dtstart)
}

func todoInRange(comp *ical.Component, start, end time.Time) bool {
	dtstart, _, hasStart := propTime(comp, ical.PropDateTimeStart)
	due, _, hasDue := propTime(comp, ical.PropDue)
	completed, _, hasCompleted := propTime(comp, ical.PropCompleted)
	created, _, hasCreated := propTime(comp, ical.PropCreated)
	if hasStart && !hasDue {
		if d, ok := propDuration(comp); ok {
			due := dtstart.Add(d)
			return !start.After(due) && (end.After(dtstart) || !end.Before(due))
		}
	}
	switch {
	case hasStart && hasDue:
		return (start.Before(due) || !start.After(dtstart)) && (end.After(dtstart) || !end.Before(due))
	case hasStart:
		return !start.After(dtstart) && end.After(dtstart)
	case hasDue:
		return start.Before(due) && !end.Before(due)
	case hasCompleted && hasCreated:
		return (!start.After(created) || !start.After(completed)) && (!end.Before(created) || !end.Before(completed))
	case hasCompleted:
		return !start.After(completed) && !end.Before(completed)
	case hasCreated:
		return end.After(created)
	}
	return true
}

func journalInRange(comp *ical.Component, start, end time.Time) bool {
	dtstart, isDate, ok := propTime(comp, ical.PropDateTimeStart)
	if !ok {
		return false
	}
	if isDate {
		return start.Before(dtstart.AddDate(0, 0, 1)) && end.After(dtstart)
	}
	return !start.After(dtstart) && end.After(dtstart)
}

// alarmInRange checks the first trigger of an alarm. Triggers relative to
// the end of the parent use DTEND or DUE, else DTSTART plus DURATION.
func alarmInRange(comp, parent *ical.Component, start, end time.Time) bool {
	trigger := comp.Props.Get(ical.PropTrigger)
	if trigger == nil || parent == nil {
		return false
	}
	var at time.Time
	if trigger.ValueType() == ical.ValueDateTime {
		t, err := trigger.DateTime(time.UTC)
		if err != nil {
			return false
		}
		at = t
	} else {
		offset, err := trigger.Duration()
		if err != nil {
			return false
		}
		base, _, ok := propTime(parent, ical.PropDateTimeStart)
		if !ok {
			return false
		}
		if related := trigger.Params["RELATED"]; len(related) > 0 && strings.EqualFold(related[0], "END") {
			if t, _, ok := propTime(parent, ical.PropDateTimeEnd); ok {
				base = t
			} else if t, _, ok := propTime(parent, ical.PropDue); ok {
				base = t
			} else if d, ok := propDuration(parent); ok {
				base = base.Add(d)
			}
		}
		at = base.Add(offset)
	}
	return !start.After(at) && end.After(at)
}
