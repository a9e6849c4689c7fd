package sii

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/erp/dte/internal/domain/compliance"
	"golang.org/x/text/encoding/charmap"
)

const (
	namespaceDTE       = "http://www.sii.cl/SiiDte"
	envelopeTimeLayout = "2006-01-02T15:04:05"
)

// ErrInvalidEnvelope is returned for envelopes that cannot be built or read
var ErrInvalidEnvelope = errors.New("invalid envelope")

// EnvelopeDocument is one DTE carried by an envelope
type EnvelopeDocument struct {
	DocumentType int
	Folio        int64
	XML          []byte
}

// Envelope is a decoded EnvioDTE
type Envelope struct {
	EmitterRUT string
	SenderRUT  string
	SentAt     string
	Documents  []EnvelopeDocument
}

// BuildEnvelope wraps a signed DTE in an EnvioDTE set and encodes it as ISO-8859-1.
// Text outside Latin-1 cannot be transmitted and fails with ErrInvalidEnvelope.
func BuildEnvelope(doc *compliance.SignedPayload, senderRUT string, now time.Time) ([]byte, error) {
	if doc == nil || len(doc.XML) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidEnvelope)
	}

	dte := etree.NewDocument()
	if err := dte.ReadFromBytes(doc.XML); err != nil {
		return nil, fmt.Errorf("%w: signed document: %v", ErrInvalidEnvelope, err)
	}
	if dte.Root() == nil || dte.Root().Tag != "DTE" {
		return nil, fmt.Errorf("%w: signed document root must be DTE", ErrInvalidEnvelope)
	}

	env := etree.NewDocument()
	env.CreateProcInst("xml", `version="1.0" encoding="ISO-8859-1"`)
	root := env.CreateElement("EnvioDTE")
	root.CreateAttr("xmlns", namespaceDTE)
	root.CreateAttr("version", "1.0")

	set := root.CreateElement("SetDTE")
	set.CreateAttr("ID", "SetDoc-"+doc.DocumentID)
	cover := set.CreateElement("Caratula")
	cover.CreateAttr("version", "1.0")
	cover.CreateElement("RutEmisor").SetText(doc.EmitterRUT)
	cover.CreateElement("RutEnvia").SetText(senderRUT)
	cover.CreateElement("RutReceptor").SetText("60803000-K")
	cover.CreateElement("TmstFirmaEnv").SetText(now.Format(envelopeTimeLayout))
	subtotal := cover.CreateElement("SubTotDTE")
	subtotal.CreateElement("TpoDTE").SetText(strconv.Itoa(doc.DocumentType.AuthorityCode()))
	subtotal.CreateElement("NroDTE").SetText("1")
	set.AddChild(dte.Root())

	utf8, err := env.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: serialize: %v", ErrInvalidEnvelope, err)
	}
	latin1, err := charmap.ISO8859_1.NewEncoder().Bytes(utf8)
	if err != nil {
		return nil, fmt.Errorf("%w: text not representable in ISO-8859-1: %v", ErrInvalidEnvelope, err)
	}
	return latin1, nil
}

// ParseEnvelope decodes an ISO-8859-1 EnvioDTE
func ParseEnvelope(data []byte) (*Envelope, error) {
	doc := etree.NewDocument()
	doc.ReadSettings.CharsetReader = charsetReader
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "EnvioDTE" {
		return nil, fmt.Errorf("%w: root must be EnvioDTE", ErrInvalidEnvelope)
	}
	set := root.SelectElement("SetDTE")
	if set == nil {
		return nil, fmt.Errorf("%w: missing SetDTE", ErrInvalidEnvelope)
	}

	env := &Envelope{
		EmitterRUT: text(set, "Caratula/RutEmisor"),
		SenderRUT:  text(set, "Caratula/RutEnvia"),
		SentAt:     text(set, "Caratula/TmstFirmaEnv"),
	}
	for _, dte := range set.SelectElements("DTE") {
		docType, err := strconv.Atoi(text(dte, "Documento/Encabezado/IdDoc/TipoDTE"))
		if err != nil {
			return nil, fmt.Errorf("%w: TipoDTE: %v", ErrInvalidEnvelope, err)
		}
		folio, err := strconv.ParseInt(text(dte, "Documento/Encabezado/IdDoc/Folio"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: Folio: %v", ErrInvalidEnvelope, err)
		}
		single := etree.NewDocument()
		single.SetRoot(dte.Copy())
		raw, err := single.WriteToBytes()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		env.Documents = append(env.Documents, EnvelopeDocument{DocumentType: docType, Folio: folio, XML: raw})
	}
	if len(env.Documents) == 0 {
		return nil, fmt.Errorf("%w: no DTE in set", ErrInvalidEnvelope)
	}
	return env, nil
}

func charsetReader(label string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(label) {
	case "iso-8859-1", "latin1", "iso8859-1":
		return charmap.ISO8859_1.NewDecoder().Reader(input), nil
	case "utf-8", "utf8":
		return input, nil
	default:
		return nil, fmt.Errorf("unsupported charset %q", label)
	}
}

func text(el *etree.Element, path string) string {
	if found := el.FindElement(path); found != nil {
		return strings.TrimSpace(found.Text())
	}
	return ""
}
