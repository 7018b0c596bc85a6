package dav

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
)

const (
	nsDAV     = "DAV:"
	nsCalDAV  = "urn:ietf:params:xml:ns:caldav"
	nsCardDAV = "urn:ietf:params:xml:ns:carddav"
	nsCS      = "http://calendarserver.org/ns/"
	nsApple   = "http://apple.com/ns/ical/"
)

type multistatus struct {
	XMLName xml.Name   `xml:"DAV: multistatus"`
	Resp    []response `xml:"response"`
}

type response struct {
	Href     string     `xml:"href"`
	Props    []propstat `xml:"propstat,omitempty"`
	Status   string     `xml:"status,omitempty"`
	Location *href      `xml:"location>href,omitempty"`
}

type propstat struct {
	Prop   prop   `xml:"prop"`
	Status string `xml:"status"`
}

type prop struct {
	Resourcetype                  *resourcetype     `xml:"resourcetype,omitempty"`
	DisplayName                   *string           `xml:"displayname,omitempty"`
	CurrentUserPrincipal          *href             `xml:"current-user-principal>href,omitempty"`
	PrincipalURL                  *href             `xml:"principal-URL>href,omitempty"`
	CalendarHomeSet               *href             `xml:"urn:ietf:params:xml:ns:caldav calendar-home-set>href,omitempty"`
	AddressbookHomeSet            *href             `xml:"urn:ietf:params:xml:ns:carddav addressbook-home-set>href,omitempty"`
	SupportedCalendarComponentSet *supportedCompSet `xml:"urn:ietf:params:xml:ns:caldav supported-calendar-component-set,omitempty"`
	Owner                         *href             `xml:"owner>href,omitempty"`
	GetCTag                       *string           `xml:"http://calendarserver.org/ns/ getctag,omitempty"`
	CalendarColor                 *string           `xml:"http://apple.com/ns/ical/ calendar-color,omitempty"`
	ContentType                   *string           `xml:"getcontenttype,omitempty"`
	ContentLength                 *int64            `xml:"getcontentlength,omitempty"`
	CalendarDataText              string            `xml:"urn:ietf:params:xml:ns:caldav calendar-data,omitempty"`
	AddressDataText               string            `xml:"urn:ietf:params:xml:ns:carddav address-data,omitempty"`
	GetETag                       string            `xml:"getetag,omitempty"`
	GetLastModified               string            `xml:"getlastmodified,omitempty"`
	Raw                           []rawProp         `xml:",omitempty"`
}

type rawProp struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type resourcetype struct {
	Collection  *struct{} `xml:"collection,omitempty"`
	Principal   *struct{} `xml:"principal,omitempty"`
	Calendar    *struct{} `xml:"urn:ietf:params:xml:ns:caldav calendar,omitempty"`
	Addressbook *struct{} `xml:"urn:ietf:params:xml:ns:carddav addressbook,omitempty"`
}

type href struct {
	Value string `xml:",chardata"`
}

type supportedCompSet struct {
	Comp []comp `xml:"comp"`
}
type comp struct {
	Name string `xml:"name,attr"`
}

// Request bodies.

type calendarQuery struct {
	XMLName xml.Name       `xml:"urn:ietf:params:xml:ns:caldav calendar-query"`
	Filter  calendarFilter `xml:"filter"`
}

type calendarMultiget struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:caldav calendar-multiget"`
	Hrefs   []string `xml:"DAV: href"`
}

type addressbookMultiget struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:carddav addressbook-multiget"`
	Hrefs   []string `xml:"DAV: href"`
}

type freeBusyQuery struct {
	XMLName xml.Name   `xml:"urn:ietf:params:xml:ns:caldav free-busy-query"`
	Time    *timeRange `xml:"time-range"`
}

type calendarFilter struct {
	CompFilter compFilter `xml:"comp-filter"`
}
type compFilter struct {
	Name       string       `xml:"name,attr"`
	CompFilter []compFilter `xml:"comp-filter,omitempty"`
	TimeRange  *timeRange   `xml:"time-range,omitempty"`
}
type timeRange struct {
	Start string `xml:"start,attr,omitempty"`
	End   string `xml:"end,attr,omitempty"`
}

// propertyUpdate captures PROPPATCH bodies generically; each property is
// reported back under its clark-notation key.
type propertyUpdate struct {
	XMLName xml.Name `xml:"DAV: propertyupdate"`
	Set     []struct {
		Prop rawPropSet `xml:"prop"`
	} `xml:"set"`
	Remove []struct {
		Prop rawPropSet `xml:"prop"`
	} `xml:"remove"`
}

type rawPropSet struct {
	Elems []rawProp `xml:",any"`
}

// clarkKey renders an XML name in clark notation, the form the property
// mutation API keys on.
func clarkKey(n xml.Name) string {
	return "{" + n.Space + "}" + n.Local
}

type mkcolRequest struct {
	XMLName xml.Name `xml:"DAV: mkcol"`
	Set     struct {
		Prop struct {
			ResourceType struct {
				Calendar    *struct{} `xml:"urn:ietf:params:xml:ns:caldav calendar"`
				Addressbook *struct{} `xml:"urn:ietf:params:xml:ns:carddav addressbook"`
			} `xml:"DAV: resourcetype"`
			DisplayName *string           `xml:"DAV: displayname"`
			Color       *string           `xml:"http://apple.com/ns/ical/ calendar-color"`
			Comps       *supportedCompSet `xml:"urn:ietf:params:xml:ns:caldav supported-calendar-component-set"`
		} `xml:"DAV: prop"`
	} `xml:"DAV: set"`
}

type mkcalendarRequest struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:caldav mkcalendar"`
	Set     struct {
		Prop struct {
			DisplayName *string `xml:"DAV: displayname"`
			Color       *string `xml:"http://apple.com/ns/ical/ calendar-color"`
		} `xml:"DAV: prop"`
	} `xml:"DAV: set"`
}

func writeMultiStatus(w http.ResponseWriter, ms multistatus) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(ms); err != nil {
		http.Error(w, fmt.Sprintf("xml encode error: %v", err), http.StatusInternalServerError)
		return
	}
	_ = enc.Flush()
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(207)
	_, _ = w.Write(buf.Bytes())
}

func ok() string { return "HTTP/1.1 200 OK" }

func statusLine(code int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s", code, http.StatusText(code))
}

func makeCalendarResourcetype() *resourcetype {
	return &resourcetype{Collection: &struct{}{}, Calendar: &struct{}{}}
}
func makeAddressbookResourcetype() *resourcetype {
	return &resourcetype{Collection: &struct{}{}, Addressbook: &struct{}{}}
}
func makeCollectionResourcetype() *resourcetype {
	return &resourcetype{Collection: &struct{}{}}
}
func makePrincipalResourcetype() *resourcetype {
	return &resourcetype{Principal: &struct{}{}}
}

func calContentType() *string {
	ct := "text/calendar; charset=utf-8"
	return &ct
}

func cardContentType() *string {
	ct := "text/vcard; charset=utf-8"
	return &ct
}

func strPtr(s string) *string { return &s }

func joinURL(parts ...string) string {
	s := strings.Join(parts, "/")
	s = strings.ReplaceAll(s, "//", "/")
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	return s
}

func trimQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
