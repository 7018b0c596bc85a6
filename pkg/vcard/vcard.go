// Package vcard converts between vCard wire text and the stored contact
// record, including distribution-list groups and the Apple and Thunderbird
// field dialects.
package vcard

import (
	"encoding/base64"
	"io"
	"net/mail"
	"net/url"
	"strings"
	"time"

	govcard "github.com/emersion/go-vcard"
	"github.com/gabriel-vasile/mimetype"

	"github.com/soderlund/maildav/internal/errs"
	"github.com/soderlund/maildav/internal/storage"
)

// Vendor-prefixed group spellings used by the Apple address book family,
// which predates the standard KIND/MEMBER properties.
const (
	FieldAppleKind   = "X-ADDRESSBOOKSERVER-KIND"
	FieldAppleMember = "X-ADDRESSBOOKSERVER-MEMBER"

	fieldABDate  = "X-ABDATE"
	fieldABLabel = "X-ABLABEL"

	appleAnniversaryLabel = "_$!<Anniversary>!$_"
)

// Wire phone type for each internal type label, where they differ.
var phoneTypeOut = map[string]string{
	"main":    "voice",
	"homefax": "home,fax",
	"workfax": "work,fax",
	"mobile":  "cell",
	"other":   "textphone",
}

// IM protocol scheme translation, internal to wire.
var imProtocolOut = map[string]string{
	"jabber": "xmpp",
}

// Parse decodes the first vCard in the body, normalizing line endings
// first so bare-LF uploads survive the strict decoder.
func Parse(data []byte) (govcard.Card, error) {
	content := strings.ReplaceAll(string(data), "\n", "\r\n")
	content = strings.ReplaceAll(content, "\r\r\n", "\r\n")
	card, err := govcard.NewDecoder(strings.NewReader(content)).Decode()
	if err != nil {
		if err == io.EOF {
			return nil, &errs.ParseError{Format: "vcard", Reason: "empty body"}
		}
		return nil, &errs.ParseError{Format: "vcard", Reason: "undecodable body", Err: err}
	}
	return card, nil
}

// Decode parses wire text and builds the stored record. A UID and a
// formatted name are required; everything else is optional.
func Decode(data []byte, parsed govcard.Card) (*storage.Object, govcard.Card, error) {
	card := parsed
	if card == nil {
		var err error
		card, err = Parse(data)
		if err != nil {
			return nil, nil, err
		}
	}

	uid := card.Value(govcard.FieldUID)
	if uid == "" {
		return nil, nil, &errs.ParseError{Format: "vcard", Reason: "missing UID"}
	}
	fn := card.Value(govcard.FieldFormattedName)
	if fn == "" {
		return nil, nil, &errs.ParseError{Format: "vcard", Reason: "missing FN"}
	}

	c := &storage.Contact{DisplayName: fn}
	objType := storage.TypeContact
	if strings.EqualFold(card.Value(govcard.FieldKind), string(govcard.KindGroup)) ||
		strings.EqualFold(card.Value(FieldAppleKind), string(govcard.KindGroup)) {
		objType = storage.TypeDistributionList
	}

	if n := card.Name(); n != nil {
		c.Surname = n.FamilyName
		c.GivenName = n.GivenName
		c.MiddleName = n.AdditionalName
		c.Prefix = n.HonorificPrefix
		c.Suffix = n.HonorificSuffix
	}
	c.Nickname = card.Value(govcard.FieldNickname)
	c.Title = card.Value(govcard.FieldTitle)
	c.Notes = card.Value(govcard.FieldNote)
	if org := card.Value(govcard.FieldOrganization); org != "" {
		parts := strings.Split(org, ";")
		c.Org = parts[0]
		if len(parts) > 1 {
			c.Department = parts[1]
		}
	}

	for _, f := range card[govcard.FieldEmail] {
		c.Emails = append(c.Emails, storage.TypedValue{Value: f.Value, Type: firstType(f, "home")})
	}
	for _, f := range card[govcard.FieldTelephone] {
		c.Phones = append(c.Phones, storage.TypedValue{Value: f.Value, Type: decodePhoneType(f)})
	}
	for _, f := range card[govcard.FieldURL] {
		c.Websites = append(c.Websites, storage.TypedValue{Value: f.Value, Type: firstType(f, "homepage")})
	}
	for _, f := range card[govcard.FieldIMPP] {
		c.IM = append(c.IM, decodeIM(f.Value))
	}
	for _, addr := range card.Addresses() {
		c.Addresses = append(c.Addresses, storage.Address{
			Type:     firstType(addr.Field, "home"),
			Street:   addr.StreetAddress,
			Locality: addr.Locality,
			Region:   addr.Region,
			Code:     addr.PostalCode,
			Country:  addr.Country,
		})
	}

	if bday := card.Value(govcard.FieldBirthday); bday != "" {
		if d, ok := parseDate(bday); ok {
			c.Birthday = d
		}
	}
	if anniv := card.Value(govcard.FieldAnniversary); anniv != "" {
		if d, ok := parseDate(anniv); ok {
			c.Anniversary = d
		}
	}
	// Apple emits the anniversary as a grouped labeled date instead of the
	// dedicated property; fold it back.
	if c.Anniversary.IsZero() {
		if v := labeledDate(card, appleAnniversaryLabel); v != "" {
			if d, ok := parseDate(v); ok {
				c.Anniversary = d
			}
		}
	}

	if f := card.Get(govcard.FieldPhoto); f != nil {
		if data, mime, err := decodePhoto(f); err != nil {
			return nil, nil, err
		} else if data != nil {
			c.Photo, c.PhotoMimeType = data, mime
		}
	}

	for _, f := range card[govcard.FieldMember] {
		m, err := decodeMember(f.Value)
		if err != nil {
			return nil, nil, err
		}
		c.Members = append(c.Members, m)
	}
	for _, f := range card[FieldAppleMember] {
		m, err := decodeMember(f.Value)
		if err != nil {
			return nil, nil, err
		}
		c.Members = append(c.Members, m)
	}

	collectXProps(card, c)

	obj := &storage.Object{UID: uid, Type: objType, Contact: c}
	return obj, card, nil
}

func firstType(f *govcard.Field, def string) string {
	for _, t := range f.Params[govcard.ParamType] {
		for _, v := range strings.Split(t, ",") {
			v = strings.ToLower(strings.TrimSpace(v))
			if v != "" && v != "internet" && v != "pref" {
				return v
			}
		}
	}
	return def
}

func decodePhoneType(f *govcard.Field) string {
	types := make(map[string]bool)
	for _, t := range f.Params[govcard.ParamType] {
		for _, v := range strings.Split(t, ",") {
			types[strings.ToLower(strings.TrimSpace(v))] = true
		}
	}
	switch {
	case types["fax"] && types["home"]:
		return "homefax"
	case types["fax"] && types["work"]:
		return "workfax"
	case types["fax"]:
		return "fax"
	case types["cell"]:
		return "mobile"
	case types["textphone"]:
		return "other"
	case types["voice"] && !types["home"] && !types["work"]:
		return "main"
	case types["work"]:
		return "work"
	case types["home"]:
		return "home"
	default:
		return "other"
	}
}

func decodeIM(value string) string {
	scheme, rest, ok := strings.Cut(value, ":")
	if !ok {
		return value
	}
	scheme = strings.ToLower(scheme)
	for internal, wire := range imProtocolOut {
		if scheme == wire {
			return internal + ":" + rest
		}
	}
	return scheme + ":" + rest
}

// decodeMember parses one group member reference. Internal members use the
// urn:uuid scheme, external ones a mailto URI whose decoded form may be a
// full name-addr. The two forms are exclusive per member.
func decodeMember(value string) (storage.Member, error) {
	switch {
	case strings.HasPrefix(value, "urn:uuid:"):
		return storage.Member{UID: strings.TrimPrefix(value, "urn:uuid:")}, nil
	case strings.HasPrefix(value, "mailto:"):
		raw, err := url.QueryUnescape(strings.TrimPrefix(value, "mailto:"))
		if err != nil {
			return storage.Member{}, &errs.ParseError{Format: "vcard", Reason: "invalid member encoding", Err: err}
		}
		if strings.ContainsRune(raw, '<') {
			addr, err := mail.ParseAddress(raw)
			if err != nil {
				return storage.Member{}, &errs.ParseError{Format: "vcard", Reason: "invalid member address", Err: err}
			}
			return storage.Member{Email: addr.Address, Name: addr.Name}, nil
		}
		return storage.Member{Email: raw}, nil
	default:
		return storage.Member{}, &errs.ParseError{Format: "vcard", Reason: "unrecognized member reference " + value}
	}
}

// decodePhoto accepts the two historical base64 markers (ENCODING=b,
// ENCODING=BASE64) plus the bare BASE64 parameter. Anything else, URI
// photos included, is ignored.
func decodePhoto(f *govcard.Field) ([]byte, string, error) {
	enc := strings.ToUpper(f.Params.Get("ENCODING"))
	_, bare := f.Params["BASE64"]
	if enc != "B" && enc != "BASE64" && !bare {
		return nil, "", nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(f.Value))
	if err != nil {
		return nil, "", &errs.ParseError{Format: "vcard", Reason: "invalid photo base64", Err: err}
	}
	mime := f.Params.Get(govcard.ParamType)
	if mime == "" {
		mime = mimetype.Detect(data).String()
	} else if !strings.Contains(mime, "/") {
		mime = "image/" + strings.ToLower(mime)
	}
	return data, mime, nil
}

func labeledDate(card govcard.Card, label string) string {
	for _, f := range card[fieldABDate] {
		if f.Group == "" {
			continue
		}
		for _, l := range card[fieldABLabel] {
			if l.Group == f.Group && (l.Value == label || strings.EqualFold(l.Value, "anniversary")) {
				return f.Value
			}
		}
	}
	return ""
}

// knownFields are consumed by the structured decode; everything else with
// an X- or CUSTOM prefix is preserved verbatim.
var knownFields = map[string]bool{
	govcard.FieldVersion: true, govcard.FieldUID: true, govcard.FieldFormattedName: true,
	govcard.FieldName: true, govcard.FieldNickname: true, govcard.FieldKind: true,
	govcard.FieldOrganization: true, govcard.FieldTitle: true, govcard.FieldNote: true,
	govcard.FieldEmail: true, govcard.FieldTelephone: true, govcard.FieldURL: true,
	govcard.FieldIMPP: true, govcard.FieldAddress: true, govcard.FieldBirthday: true,
	govcard.FieldAnniversary: true, govcard.FieldPhoto: true, govcard.FieldMember: true,
	govcard.FieldProductID: true, govcard.FieldRevision: true,
	FieldAppleKind: true, FieldAppleMember: true, fieldABDate: true, fieldABLabel: true,
}

func collectXProps(card govcard.Card, c *storage.Contact) {
	for name, fields := range card {
		if knownFields[name] || !(strings.HasPrefix(name, "X-") || strings.HasPrefix(name, "CUSTOM")) {
			continue
		}
		for _, f := range fields {
			c.XProps = append(c.XProps, storage.XProp{Group: f.Group, Name: name, Value: f.Value})
		}
	}
}

func parseDate(value string) (storage.Date, bool) {
	value = strings.TrimSpace(value)
	for _, layout := range []string{"20060102", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return storage.Date{Time: t, DateOnly: true}, true
		}
	}
	for _, layout := range []string{"20060102T150405Z", time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return storage.Date{Time: t.UTC()}, true
		}
	}
	return storage.Date{}, false
}
