package storage

import (
	"crypto/md5"
	"fmt"
	"time"
)

// Object types as stored in the folder store.
const (
	TypeEvent            = "event"
	TypeTask             = "task"
	TypeJournal          = "journal"
	TypeContact          = "contact"
	TypeDistributionList = "distribution-list"
)

// Meta holds the store-internal fields of an object, kept apart from the
// protocol-visible payload. On update the previous Meta is carried forward
// wholesale before the store stamps a fresh MsgUID.
type Meta struct {
	MsgUID  uint32
	Size    int64
	Mailbox string
	Changed time.Time
}

// Object is one stored record. Exactly one of Event or Contact is non-nil,
// discriminated by Type.
type Object struct {
	UID  string
	Type string
	Meta Meta

	Event   *Event
	Contact *Contact
}

// Kind maps the object type to its folder kind.
func (o *Object) Kind() Kind {
	switch o.Type {
	case TypeContact, TypeDistributionList:
		return KindContact
	case TypeTask:
		return KindTask
	default:
		return KindEvent
	}
}

// ETag is the object's version token: a short hash of the UID joined with
// the store's message uid, as a quoted string. The message uid changes on
// every save, so the token changes exactly when the stored content does.
func (o *Object) ETag() string {
	sum := md5.Sum([]byte(o.UID))
	return fmt.Sprintf("\"%x-%d\"", sum[:8], o.Meta.MsgUID)
}

// Date is a timestamp that may be date-only (birthdays, all-day events).
type Date struct {
	Time     time.Time
	DateOnly bool
}

func (d Date) IsZero() bool { return d.Time.IsZero() }

// Attachment is one binary part of a calendar object. Deleted marks parts
// scheduled for removal on the next save.
type Attachment struct {
	ID       string
	MimeType string
	Name     string
	Size     int64
	Data     []byte
	Deleted  bool
}

// Event is the calendar payload shared by events and tasks.
type Event struct {
	Summary     string
	Description string
	Location    string
	Start       Date
	End         Date
	Due         Date
	Status      string
	Categories  []string
	RRule       string
	Attachments []*Attachment

	// RecurrenceID is set on exception instances only.
	RecurrenceID Date
	Exceptions   []*Event
}

// TypedValue is a communication channel value tagged with a type label
// ("home", "work", "mobile", ...).
type TypedValue struct {
	Value string
	Type  string
}

// Address is one structured postal address.
type Address struct {
	Type     string
	Street   string
	Locality string
	Region   string
	Code     string
	Country  string
}

// Member is one entry of a distribution list. Exactly one of UID or Email
// is set; a member is either an internal reference or an external one.
type Member struct {
	UID   string
	Email string
	Name  string
}

// XProp is an extension property preserved verbatim for round-trip
// fidelity. Group keeps the item-group prefix when present.
type XProp struct {
	Group string
	Name  string
	Value string
}

// Contact is the payload for contacts and distribution lists.
type Contact struct {
	DisplayName string
	Surname     string
	GivenName   string
	MiddleName  string
	Prefix      string
	Suffix      string
	Nickname    string
	Org         string
	Department  string
	Title       string
	Notes       string

	Emails    []TypedValue
	Phones    []TypedValue
	Websites  []TypedValue
	IM        []string
	Addresses []Address

	Birthday    Date
	Anniversary Date

	Photo         []byte
	PhotoMimeType string

	Members []Member
	XProps  []XProp
}
