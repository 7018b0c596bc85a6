package vcard

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	govcard "github.com/emersion/go-vcard"

	"github.com/soderlund/maildav/internal/session"
	"github.com/soderlund/maildav/internal/storage"
)

// Encode serializes a stored contact record. Plain contacts are emitted as
// vCard 3.0. Groups are vCard 4.0 with KIND/MEMBER, except for the Apple
// family, which gets 3.0 with the vendor-prefixed group properties; that
// family also receives the anniversary as a grouped labeled date.
func Encode(obj *storage.Object, client session.Client) ([]byte, error) {
	c := obj.Contact
	if c == nil {
		return nil, fmt.Errorf("object %s has no contact payload", obj.UID)
	}

	card := make(govcard.Card)
	card.SetValue(govcard.FieldUID, obj.UID)
	card.SetValue(govcard.FieldFormattedName, c.DisplayName)

	isGroup := obj.Type == storage.TypeDistributionList
	version := "3.0"
	if isGroup && !client.AppleFamily() {
		version = "4.0"
	}
	card.SetValue(govcard.FieldVersion, version)

	if isGroup {
		kindField, memberField := govcard.FieldKind, govcard.FieldMember
		if client.AppleFamily() {
			kindField, memberField = FieldAppleKind, FieldAppleMember
		}
		card.SetValue(kindField, string(govcard.KindGroup))
		for _, m := range c.Members {
			card.Add(memberField, &govcard.Field{Value: encodeMember(m)})
		}
	}

	if c.Surname != "" || c.GivenName != "" {
		card.AddName(&govcard.Name{
			FamilyName:      c.Surname,
			GivenName:       c.GivenName,
			AdditionalName:  c.MiddleName,
			HonorificPrefix: c.Prefix,
			HonorificSuffix: c.Suffix,
		})
	}
	if c.Nickname != "" {
		card.SetValue(govcard.FieldNickname, c.Nickname)
	}
	if c.Org != "" || c.Department != "" {
		card.SetValue(govcard.FieldOrganization, c.Org+";"+c.Department)
	}
	if c.Title != "" {
		card.SetValue(govcard.FieldTitle, c.Title)
	}
	if c.Notes != "" {
		card.SetValue(govcard.FieldNote, c.Notes)
	}

	for _, e := range c.Emails {
		card.Add(govcard.FieldEmail, typedField(e.Value, "internet,"+e.Type))
	}
	for _, p := range c.Phones {
		wireType := p.Type
		if t, ok := phoneTypeOut[p.Type]; ok {
			wireType = t
		}
		card.Add(govcard.FieldTelephone, typedField(p.Value, wireType))
	}
	for _, w := range c.Websites {
		card.Add(govcard.FieldURL, typedField(w.Value, w.Type))
	}
	for _, im := range c.IM {
		card.Add(govcard.FieldIMPP, &govcard.Field{Value: encodeIM(im)})
	}
	for _, a := range c.Addresses {
		card.AddAddress(&govcard.Address{
			Field:         typedField("", a.Type),
			StreetAddress: a.Street,
			Locality:      a.Locality,
			Region:        a.Region,
			PostalCode:    a.Code,
			Country:       a.Country,
		})
	}

	if !c.Birthday.IsZero() {
		card.SetValue(govcard.FieldBirthday, c.Birthday.Time.Format("20060102"))
	}
	if !c.Anniversary.IsZero() {
		if client.AppleFamily() {
			f := &govcard.Field{Group: "item1", Value: c.Anniversary.Time.Format("2006-01-02")}
			card.Add(fieldABDate, f)
			card.Add(fieldABLabel, &govcard.Field{Group: "item1", Value: appleAnniversaryLabel})
		} else {
			card.SetValue(govcard.FieldAnniversary, c.Anniversary.Time.Format("20060102"))
		}
	}

	if len(c.Photo) > 0 {
		f := &govcard.Field{Value: base64.StdEncoding.EncodeToString(c.Photo)}
		f.Params = make(govcard.Params)
		f.Params.Set("ENCODING", "b")
		if c.PhotoMimeType != "" {
			sub := c.PhotoMimeType
			if _, after, ok := strings.Cut(sub, "/"); ok {
				sub = after
			}
			f.Params.Set(govcard.ParamType, strings.ToUpper(sub))
		}
		card.Set(govcard.FieldPhoto, f)
	}

	for _, x := range c.XProps {
		card.Add(x.Name, &govcard.Field{Group: x.Group, Value: x.Value})
	}

	var buf bytes.Buffer
	if err := govcard.NewEncoder(&buf).Encode(card); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func typedField(value, types string) *govcard.Field {
	f := &govcard.Field{Value: value, Params: make(govcard.Params)}
	for _, t := range strings.Split(types, ",") {
		if t = strings.TrimSpace(t); t != "" {
			f.Params.Add(govcard.ParamType, t)
		}
	}
	return f
}

// encodeMember renders one member reference: internal members by UID urn,
// external ones as an escaped mailto that round-trips name and address.
func encodeMember(m storage.Member) string {
	if m.UID != "" {
		return "urn:uuid:" + m.UID
	}
	addr := m.Email
	if m.Name != "" {
		addr = fmt.Sprintf("%q <%s>", m.Name, m.Email)
	}
	return "mailto:" + url.QueryEscape(addr)
}

func encodeIM(value string) string {
	scheme, rest, ok := strings.Cut(value, ":")
	if !ok {
		return value
	}
	if wire, found := imProtocolOut[strings.ToLower(scheme)]; found {
		scheme = wire
	}
	return scheme + ":" + rest
}
