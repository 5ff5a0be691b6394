// Package ledger defines the typed domain payloads carried inside sync
// records. The sync core treats these as opaque field maps; this package
// is the boundary where the UI layer's typed view meets the wire shape.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/famsync/famsync/internal/core/record"
)

// Kind classifies a transaction.
type Kind string

const (
	KindIncome  Kind = "income"
	KindExpense Kind = "expense"
)

// Transaction is a single ledger entry.
type Transaction struct {
	Amount      decimal.Decimal
	Kind        Kind
	Category    string
	Date        time.Time
	Description string
}

// Goal is a savings target.
type Goal struct {
	Name     string
	Target   decimal.Decimal
	Saved    decimal.Decimal
	Deadline time.Time
}

// Category is a user-defined spending category.
type Category struct {
	Name string
	Icon string
}

const dateLayout = "2006-01-02"

// Fields encodes the transaction into a flat record payload. Amounts are
// serialized as decimal strings so no precision is lost crossing replicas
// that may parse JSON numbers as floats.
func (t Transaction) Fields() record.Fields {
	f := record.Fields{
		"amount": t.Amount.String(),
		"type":   string(t.Kind),
	}
	if t.Category != "" {
		f["category"] = t.Category
	}
	if !t.Date.IsZero() {
		f["date"] = t.Date.Format(dateLayout)
	}
	if t.Description != "" {
		f["description"] = t.Description
	}
	return f
}

// TransactionFromFields rebuilds a transaction, tolerating missing or
// foreign keys. An unparseable amount decodes as zero rather than failing;
// remote payloads are not under this device's control.
func TransactionFromFields(f record.Fields) Transaction {
	t := Transaction{
		Kind:        Kind(str(f, "type")),
		Category:    str(f, "category"),
		Description: str(f, "description"),
	}
	t.Amount = dec(f, "amount")
	if d := str(f, "date"); d != "" {
		t.Date, _ = time.Parse(dateLayout, d)
	}
	return t
}

// Fields encodes the goal into a flat record payload.
func (g Goal) Fields() record.Fields {
	f := record.Fields{
		"name":   g.Name,
		"target": g.Target.String(),
		"saved":  g.Saved.String(),
	}
	if !g.Deadline.IsZero() {
		f["deadline"] = g.Deadline.Format(dateLayout)
	}
	return f
}

// GoalFromFields rebuilds a goal from a record payload.
func GoalFromFields(f record.Fields) Goal {
	g := Goal{
		Name:   str(f, "name"),
		Target: dec(f, "target"),
		Saved:  dec(f, "saved"),
	}
	if d := str(f, "deadline"); d != "" {
		g.Deadline, _ = time.Parse(dateLayout, d)
	}
	return g
}

// Fields encodes the category into a flat record payload.
func (c Category) Fields() record.Fields {
	f := record.Fields{"name": c.Name}
	if c.Icon != "" {
		f["icon"] = c.Icon
	}
	return f
}

// CategoryFromFields rebuilds a category from a record payload.
func CategoryFromFields(f record.Fields) Category {
	return Category{Name: str(f, "name"), Icon: str(f, "icon")}
}

// Balance sums a transaction collection: income minus expense.
func Balance(records []record.Record) decimal.Decimal {
	total := decimal.Zero
	for _, rec := range records {
		t := TransactionFromFields(rec.Fields)
		switch t.Kind {
		case KindExpense:
			total = total.Sub(t.Amount)
		default:
			total = total.Add(t.Amount)
		}
	}
	return total
}

func str(f record.Fields, key string) string {
	s, _ := f[key].(string)
	return s
}

func dec(f record.Fields, key string) decimal.Decimal {
	switch v := f[key].(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(v)
	case int64:
		return decimal.NewFromInt(v)
	case int:
		return decimal.NewFromInt(int64(v))
	}
	return decimal.Zero
}
