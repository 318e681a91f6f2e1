// Package cart accumulates the lines of one checkout or register session.
package cart

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/bodegonbc/bodegon-pos/internal/catalog"
)

type Line struct {
	Product  catalog.Product `json:"product"`
	Quantity int             `json:"quantity"`
}

func (l Line) Total() decimal.Decimal {
	return l.Product.PriceUSD.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Cart is owned by one session and is not safe for concurrent use.
// Lines keep insertion order; totals are derived on every call.
type Cart struct {
	lines []Line
}

func New() *Cart { return &Cart{} }

// FromLines rebuilds a cart, merging duplicate ids and dropping empty lines.
func FromLines(lines []Line) *Cart {
	c := New()
	for _, l := range lines {
		if l.Quantity <= 0 {
			continue
		}
		if i := c.index(l.Product.ID); i >= 0 {
			c.lines[i].Quantity += l.Quantity
			continue
		}
		c.lines = append(c.lines, l)
	}
	return c
}

func (c *Cart) index(id int64) int {
	for i := range c.lines {
		if c.lines[i].Product.ID == id {
			return i
		}
	}
	return -1
}

// Add increments the line for p by one, creating it when absent.
func (c *Cart) Add(p catalog.Product) {
	if i := c.index(p.ID); i >= 0 {
		c.lines[i].Quantity++
		return
	}
	c.lines = append(c.lines, Line{Product: p, Quantity: 1})
}

// SetQuantity sets the line quantity; n <= 0 removes the line. Stock is not
// checked here. It reports false when there is no line for id.
func (c *Cart) SetQuantity(id int64, n int) bool {
	i := c.index(id)
	if i < 0 {
		return false
	}
	if n <= 0 {
		c.lines = append(c.lines[:i], c.lines[i+1:]...)
		return true
	}
	c.lines[i].Quantity = n
	return true
}

func (c *Cart) Remove(id int64) bool {
	return c.SetQuantity(id, 0)
}

func (c *Cart) Clear() { c.lines = nil }

func (c *Cart) Lines() []Line {
	out := make([]Line, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *Cart) Empty() bool { return len(c.lines) == 0 }

// Count is the number of units across all lines.
func (c *Cart) Count() int {
	n := 0
	for _, l := range c.lines {
		n += l.Quantity
	}
	return n
}

func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, l := range c.lines {
		total = total.Add(l.Total())
	}
	return total
}

func (c *Cart) LineTotal(id int64) (decimal.Decimal, bool) {
	i := c.index(id)
	if i < 0 {
		return decimal.Zero, false
	}
	return c.lines[i].Total(), true
}

type wire struct {
	Lines []Line `json:"lines"`
}

func (c *Cart) MarshalJSON() ([]byte, error) {
	lines := c.lines
	if lines == nil {
		lines = []Line{}
	}
	return json.Marshal(wire{Lines: lines})
}

func (c *Cart) UnmarshalJSON(b []byte) error {
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*c = *FromLines(w.Lines)
	return nil
}
