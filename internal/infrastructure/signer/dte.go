package signer

import (
	"strconv"
	"time"

	"github.com/beevik/etree"
	"github.com/erp/dte/internal/domain/compliance"
	"github.com/shopspring/decimal"
)

// NamespaceDTE is the default namespace of DTE documents
const NamespaceDTE = "http://www.sii.cl/SiiDte"

const (
	dateLayout      = "2006-01-02"
	timestampLayout = "2006-01-02T15:04:05"
)

// buildDTE renders the unsigned DTE document tree of a payload
func buildDTE(p compliance.DocumentPayload, signedAt time.Time) (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	root := doc.CreateElement("DTE")
	root.CreateAttr("xmlns", NamespaceDTE)
	root.CreateAttr("version", "1.0")

	documento := root.CreateElement("Documento")
	documento.CreateAttr("ID", p.ID)

	header := documento.CreateElement("Encabezado")
	idDoc := header.CreateElement("IdDoc")
	idDoc.CreateElement("TipoDTE").SetText(strconv.Itoa(p.DocumentType.AuthorityCode()))
	idDoc.CreateElement("Folio").SetText(strconv.FormatInt(p.Folio, 10))
	idDoc.CreateElement("FchEmis").SetText(p.IssueDate.Format(dateLayout))

	header.CreateElement("Emisor").CreateElement("RUTEmisor").SetText(p.EmitterRUT)

	receiver := header.CreateElement("Receptor")
	receiver.CreateElement("RUTRecep").SetText(p.Receiver.RUT)
	receiver.CreateElement("RznSocRecep").SetText(p.Receiver.Name)
	if p.Receiver.Address != "" {
		receiver.CreateElement("DirRecep").SetText(p.Receiver.Address)
	}

	totals := header.CreateElement("Totales")
	totals.CreateElement("MntNeto").SetText(amount(p.Totals.Subtotal))
	totals.CreateElement("IVA").SetText(amount(p.Totals.TaxAmount))
	totals.CreateElement("MntTotal").SetText(amount(p.Totals.Total))

	for i, line := range p.Lines {
		detail := documento.CreateElement("Detalle")
		detail.CreateElement("NroLinDet").SetText(strconv.Itoa(i + 1))
		detail.CreateElement("NmbItem").SetText(line.Description)
		detail.CreateElement("QtyItem").SetText(line.Quantity.String())
		detail.CreateElement("PrcItem").SetText(line.UnitPrice.String())
		detail.CreateElement("MontoItem").SetText(amount(line.Amount))
	}

	if p.Reference != nil {
		ref := documento.CreateElement("Referencia")
		ref.CreateElement("NroLinRef").SetText("1")
		ref.CreateElement("TpoDocRef").SetText(strconv.Itoa(p.Reference.DocumentType.AuthorityCode()))
		ref.CreateElement("FolioRef").SetText(strconv.FormatInt(p.Reference.Folio, 10))
		ref.CreateElement("CodRef").SetText("1")
		ref.CreateElement("RazonRef").SetText(p.Reference.Reason)
	}

	documento.CreateElement("TmstFirma").SetText(signedAt.Format(timestampLayout))
	return doc, documento
}

// amount renders a monetary value as whole pesos
func amount(d decimal.Decimal) string {
	return d.Round(0).String()
}
