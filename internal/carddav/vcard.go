package carddav

import (
	"bytes"
	"strings"

	"github.com/emersion/go-vcard"
	"github.com/google/uuid"

	"gitea.jw6.us/james/davkit/internal/dav"
	"gitea.jw6.us/james/davkit/internal/davxml"
)

var condValidAddressData = davxml.Clark(davxml.NSCardDAV, "valid-address-data")

func decodeCard(data []byte) (vcard.Card, error) {
	return vcard.NewDecoder(bytes.NewReader(data)).Decode()
}

func encodeCard(card vcard.Card) ([]byte, error) {
	var buf bytes.Buffer
	if err := vcard.NewEncoder(&buf).Encode(card); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// cardUID returns the UID of a vCard, or "" when it cannot be read.
func cardUID(data []byte) string {
	card, err := decodeCard(data)
	if err != nil {
		return ""
	}
	return card.Value(vcard.FieldUID)
}

// validateCard parses data as a single vCard and assigns a UID when the
// card has none. Non UTF-8 input is read as Latin-1. It returns the data to
// store.
func validateCard(data []byte) ([]byte, error) {
	data = dav.EnsureUTF8(data)
	card, err := decodeCard(data)
	if err != nil {
		return nil, dav.UnsupportedMediaType(condValidAddressData, "this resource only supports valid vCard data: %v", err)
	}
	if card.Get(vcard.FieldVersion) == nil {
		return nil, dav.UnsupportedMediaType(condValidAddressData, "the vCard has no VERSION")
	}
	if card.Value(vcard.FieldUID) != "" {
		return data, nil
	}
	card.SetValue(vcard.FieldUID, uuid.NewString())
	out, err := encodeCard(card)
	if err != nil {
		return nil, dav.UnsupportedMediaType(condValidAddressData, "the vCard cannot be re-encoded: %v", err)
	}
	return out, nil
}

// addressDataRequest selects what address-data returns.
type addressDataRequest struct {
	// Version is "3.0" or "4.0"; empty keeps the stored version.
	Version string
	// Props limits the returned properties; nil returns all.
	Props []addressDataProp
}

type addressDataProp struct {
	Name    string
	NoValue bool
}

// parseAddressData reads a {card}address-data element from a report prop.
func parseAddressData(el *davxml.Element) (*addressDataRequest, error) {
	req := &addressDataRequest{}
	if el == nil {
		return req, nil
	}
	if ct := el.AttrDefault("content-type", vcard.MIMEType); !strings.EqualFold(ct, vcard.MIMEType) {
		return nil, dav.UnsupportedMediaType(davxml.Clark(davxml.NSCardDAV, "supported-address-data"), "content-type %s is not supported", ct)
	}
	switch v := el.AttrDefault("version", ""); v {
	case "", "3.0", "4.0":
		req.Version = v
	default:
		return nil, dav.UnsupportedMediaType(davxml.Clark(davxml.NSCardDAV, "supported-address-data"), "vCard version %s is not supported", v)
	}
	if el.Child(davxml.Clark(davxml.NSCardDAV, "allprop")) != nil {
		return req, nil
	}
	for _, p := range el.ChildrenNamed(davxml.Clark(davxml.NSCardDAV, "prop")) {
		name, ok := p.Attr("name")
		if !ok || name == "" {
			return nil, dav.BadRequest("address-data prop requires a name")
		}
		req.Props = append(req.Props, addressDataProp{
			Name:    strings.ToUpper(name),
			NoValue: p.AttrDefault("novalue", "no") == "yes",
		})
	}
	return req, nil
}

// render returns the card as requested. Partial retrieval always keeps
// VERSION, UID and FN so the result remains a valid vCard.
func (r *addressDataRequest) render(data []byte) (string, error) {
	if r == nil || (r.Props == nil && r.Version == "") {
		return string(data), nil
	}
	card, err := decodeCard(data)
	if err != nil {
		return "", err
	}
	if r.Props != nil {
		card = partialCard(card, r.Props)
	}
	if r.Version == "4.0" {
		vcard.ToV4(card)
	}
	out, err := encodeCard(card)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func partialCard(card vcard.Card, props []addressDataProp) vcard.Card {
	out := make(vcard.Card)
	keep := append([]addressDataProp{
		{Name: vcard.FieldVersion}, {Name: vcard.FieldUID}, {Name: vcard.FieldFormattedName},
	}, props...)
	for _, p := range keep {
		if _, done := out[p.Name]; done {
			continue
		}
		fields, ok := card[p.Name]
		if !ok {
			continue
		}
		if p.NoValue {
			out[p.Name] = []*vcard.Field{{Value: ""}}
			continue
		}
		out[p.Name] = fields
	}
	return out
}
