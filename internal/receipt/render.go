package receipt

import (
	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Data is everything printed on a donation receipt.
type Data struct {
	Organization string
	ReceiptNo    string
	DonorName    string
	DonatedAt    string
	ConfirmedAt  string
	Amount       int64
	Currency     string
	Method       string
	PatientLabel string
	LedgerTxHash string
}

var printer = message.NewPrinter(language.English)

// FormatAmount renders whole units with thousands grouping, e.g. "PHP 1,500".
func FormatAmount(amount int64, currency string) string {
	return printer.Sprintf("%s %d", currency, amount)
}

// Render produces the receipt PDF.
func Render(data Data) ([]byte, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(30,
		text.NewCol(8, "Donation receipt", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, data.Organization, props.Text{
			Size:  11,
			Style: fontstyle.Bold,
			Align: align.Right,
		}),
	)

	m.AddRow(24,
		col.New(6).Add(
			text.New("Receipt number: "+data.ReceiptNo, props.Text{Top: 0}),
			text.New("Donated on: "+data.DonatedAt, props.Text{Top: 5}),
			text.New("Confirmed on: "+data.ConfirmedAt, props.Text{Top: 10}),
		),
		col.New(6).Add(
			text.New("Donor", props.Text{Style: fontstyle.Bold, Align: align.Right}),
			text.New(data.DonorName, props.Text{Top: 5, Align: align.Right}),
		),
	)

	m.AddRow(15,
		text.NewCol(12, FormatAmount(data.Amount, data.Currency)+" received with thanks", props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Top:   5,
		}),
	)

	m.AddRow(10,
		text.NewCol(6, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, "Method", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	description := "General medical fund"
	if data.PatientLabel != "" {
		description = "Care fund for " + data.PatientLabel
	}
	m.AddRow(12,
		text.NewCol(6, description, props.Text{Size: 9}),
		text.NewCol(3, data.Method, props.Text{Size: 9}),
		text.NewCol(3, FormatAmount(data.Amount, data.Currency), props.Text{Size: 9, Align: align.Right}),
	)

	m.AddRow(20,
		col.New(12).Add(
			text.New("Ledger transaction", props.Text{Style: fontstyle.Bold, Size: 9, Top: 6}),
			text.New(data.LedgerTxHash, props.Text{Size: 8, Top: 11}),
		),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}
