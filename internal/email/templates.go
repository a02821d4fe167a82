package email

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/gitshopapp/fulfillment/internal/models"
)

type Template string

const (
	TemplateOrderConfirmed Template = "order_confirmed"
	TemplateOrderShipped   Template = "order_shipped"
	TemplateOrderDelivered Template = "order_delivered"
)

// OrderInfo is the data every order template renders from.
type OrderInfo struct {
	OrderNumber     string
	CustomerName    string
	CustomerEmail   string
	ShopName        string
	Items           []OrderItem
	Subtotal        string
	Discount        string
	CouponCode      string
	Shipping        string
	Tax             string
	Total           string
	ShippingAddress string
	TrackingNumber  string
	TrackingURL     string
	Carrier         string
	EstimatedDays   int
	EventDate       string
}

type OrderItem struct {
	SKU        string
	Quantity   int
	UnitPrice  string
	TotalPrice string
}

// NewOrderInfo flattens an order into template data.
func NewOrderInfo(order *models.Order, shopName, carrier string, at time.Time) *OrderInfo {
	currency := order.Financial.Currency
	info := &OrderInfo{
		OrderNumber:   shortOrderNumber(order),
		CustomerEmail: order.CustomerEmail,
		ShopName:      shopName,
		Subtotal:      formatMoney(order.Financial.Subtotal.StringFixed(2), currency),
		Shipping:      formatMoney(order.Financial.ShippingCost.StringFixed(2), currency),
		Tax:           formatMoney(order.Financial.Tax.StringFixed(2), currency),
		Total:         formatMoney(order.Financial.Total.StringFixed(2), currency),
		Carrier:       carrier,
		EstimatedDays: order.ChosenRate.EstimatedDays,
		EventDate:     at.Format("January 2, 2006"),
	}
	if !order.Financial.Discount.IsZero() {
		info.Discount = formatMoney(order.Financial.Discount.StringFixed(2), currency)
	}
	codes := make([]string, 0, len(order.Discounts))
	for _, discount := range order.Discounts {
		codes = append(codes, discount.Code)
	}
	info.CouponCode = strings.Join(codes, ", ")
	if order.ShippingAddress != nil {
		info.CustomerName = order.ShippingAddress.Name
		info.ShippingAddress = formatAddress(order.ShippingAddress)
	}
	if order.Shipment != nil {
		info.TrackingNumber = order.Shipment.AWBNumber
		info.TrackingURL = order.Shipment.TrackingURL
	}
	for _, line := range order.Cart.Lines {
		info.Items = append(info.Items, OrderItem{
			SKU:        line.SKU,
			Quantity:   line.Quantity,
			UnitPrice:  formatMoney(line.UnitPrice.StringFixed(2), currency),
			TotalPrice: formatMoney(line.Total().StringFixed(2), currency),
		})
	}
	return info
}

type templateSet struct {
	Subject string
	HTML    string
	Text    string
}

var builtinTemplates = map[Template]templateSet{
	TemplateOrderConfirmed: {
		Subject: "Order Confirmed - {{.OrderNumber}} - {{.ShopName}}",
		HTML:    orderConfirmedHTML,
		Text:    orderConfirmedText,
	},
	TemplateOrderShipped: {
		Subject: "Your Order Has Shipped - {{.OrderNumber}} - {{.ShopName}}",
		HTML:    orderShippedHTML,
		Text:    orderShippedText,
	},
	TemplateOrderDelivered: {
		Subject: "Your Order Has Been Delivered - {{.OrderNumber}}",
		HTML:    orderDeliveredHTML,
		Text:    orderDeliveredText,
	},
}

// Renderer renders the built-in order templates.
type Renderer struct {
	templates *template.Template
}

func NewRenderer() (*Renderer, error) {
	tmpl := template.New("email")
	for name, set := range builtinTemplates {
		for suffix, body := range map[string]string{"subject": set.Subject, "html": set.HTML, "text": set.Text} {
			if _, err := tmpl.New(string(name) + "_" + suffix).Parse(body); err != nil {
				return nil, fmt.Errorf("failed to parse %s template %s: %w", suffix, name, err)
			}
		}
	}
	return &Renderer{templates: tmpl}, nil
}

func (r *Renderer) Render(name Template, data *OrderInfo) (*Email, error) {
	if data == nil {
		return nil, fmt.Errorf("order info is required")
	}
	if _, ok := builtinTemplates[name]; !ok {
		return nil, fmt.Errorf("unknown email template %q", name)
	}

	render := func(suffix string) (string, error) {
		var buf bytes.Buffer
		if err := r.templates.ExecuteTemplate(&buf, string(name)+"_"+suffix, data); err != nil {
			return "", fmt.Errorf("failed to render %s template %s: %w", suffix, name, err)
		}
		return buf.String(), nil
	}

	subject, err := render("subject")
	if err != nil {
		return nil, err
	}
	html, err := render("html")
	if err != nil {
		return nil, err
	}
	text, err := render("text")
	if err != nil {
		return nil, err
	}

	return &Email{
		To:      data.CustomerEmail,
		Subject: subject,
		Text:    text,
		HTML:    html,
		RefID:   data.OrderNumber + ":" + string(name),
	}, nil
}

func shortOrderNumber(order *models.Order) string {
	if order.BackendOrderID != "" {
		return order.BackendOrderID
	}
	return strings.ToUpper(order.ID.String()[:8])
}

func formatMoney(amount, currency string) string {
	if currency == "" {
		return amount
	}
	return amount + " " + currency
}

func formatAddress(address *models.Address) string {
	parts := []string{address.Name, address.Street}
	cityLine := strings.Join(strings.Fields(address.City+" "+address.State+" "+address.Zip), " ")
	if cityLine != "" {
		parts = append(parts, cityLine)
	}
	parts = append(parts, address.Country)
	return strings.Join(parts, "\n")
}

const orderConfirmedText = `Thank you for your order!

Order Number: {{.OrderNumber}}
Order Date: {{.EventDate}}

Items:
{{range .Items}}- {{.SKU}} x{{.Quantity}} - {{.TotalPrice}}
{{end}}
Subtotal: {{.Subtotal}}
{{if .Discount}}Discount{{if .CouponCode}} ({{.CouponCode}}){{end}}: -{{.Discount}}
{{end}}Shipping: {{.Shipping}}
Tax: {{.Tax}}
Total: {{.Total}}

We'll send you another email when your order ships.

Thank you for shopping with {{.ShopName}}!
`

const orderConfirmedHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Order Confirmation</title></head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 600px; margin: 0 auto;">
  <h1>Order Confirmed!</h1>
  <p>Thank you for your order, {{.CustomerName}}.</p>
  <p><strong>Order Number:</strong> {{.OrderNumber}}<br><strong>Order Date:</strong> {{.EventDate}}</p>
  <table style="width: 100%; border-collapse: collapse;">
    <thead><tr><th align="left">Item</th><th align="left">Qty</th><th align="right">Price</th></tr></thead>
    <tbody>
      {{range .Items}}<tr><td>{{.SKU}}</td><td>{{.Quantity}}</td><td align="right">{{.TotalPrice}}</td></tr>
      {{end}}
    </tbody>
  </table>
  <p style="text-align: right;">
    Subtotal: {{.Subtotal}}<br>
    {{if .Discount}}Discount: -{{.Discount}}<br>{{end}}
    Shipping: {{.Shipping}}<br>
    Tax: {{.Tax}}<br>
    <strong>Total: {{.Total}}</strong>
  </p>
  <p>We'll send you another email when your order ships.</p>
  <p style="color: #6b7280;">Thank you for shopping with {{.ShopName}}</p>
</body>
</html>
`

const orderShippedText = `Great news! Your order has shipped!

Order Number: {{.OrderNumber}}
Shipped Date: {{.EventDate}}
{{if .TrackingNumber}}
Tracking Number: {{.TrackingNumber}}
{{if .Carrier}}Carrier: {{.Carrier}}
{{end}}{{if .TrackingURL}}Track your package: {{.TrackingURL}}
{{end}}{{end}}{{if .EstimatedDays}}Estimated transit: {{.EstimatedDays}} days
{{end}}
Shipping Address:
{{.ShippingAddress}}

Thank you for shopping with {{.ShopName}}!
`

const orderShippedHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Order Shipped</title></head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 600px; margin: 0 auto;">
  <h1>Your Order Has Shipped!</h1>
  <p>Great news, {{.CustomerName}}! Your order is on its way.</p>
  <p><strong>Order Number:</strong> {{.OrderNumber}}<br><strong>Shipped Date:</strong> {{.EventDate}}</p>
  {{if .TrackingNumber}}
  <div style="border-left: 4px solid #059669; padding: 12px;">
    {{if .Carrier}}<p><strong>Carrier:</strong> {{.Carrier}}</p>{{end}}
    <p style="font-size: 20px; font-weight: bold;">{{.TrackingNumber}}</p>
    {{if .TrackingURL}}<a href="{{.TrackingURL}}">Track Your Package</a>{{end}}
  </div>
  {{end}}
  <h3>Shipping Address</h3>
  <pre style="font-family: inherit;">{{.ShippingAddress}}</pre>
  <p style="color: #6b7280;">Thank you for shopping with {{.ShopName}}</p>
</body>
</html>
`

const orderDeliveredText = `Your order has been delivered!

Order Number: {{.OrderNumber}}
Delivered Date: {{.EventDate}}

Your package was delivered to:
{{.ShippingAddress}}

Thank you for shopping with {{.ShopName}}!
`

const orderDeliveredHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Order Delivered</title></head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 600px; margin: 0 auto;">
  <h1>Your Order Has Been Delivered!</h1>
  <p>Your package has arrived, {{.CustomerName}}.</p>
  <p><strong>Order Number:</strong> {{.OrderNumber}}<br><strong>Delivered Date:</strong> {{.EventDate}}</p>
  <h3>Delivered To</h3>
  <pre style="font-family: inherit;">{{.ShippingAddress}}</pre>
  <p style="color: #6b7280;">Thank you for shopping with {{.ShopName}}</p>
</body>
</html>
`
