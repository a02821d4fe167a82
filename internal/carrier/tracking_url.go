package carrier

import (
	"net/url"
	"strings"
)

const (
	ProviderUSPS  = "usps"
	ProviderFedEx = "fedex"
	ProviderUPS   = "ups"
	ProviderDHL   = "dhl"
)

// NormalizeProvider returns a canonical provider key for known carriers.
func NormalizeProvider(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	replacer := strings.NewReplacer(" ", "", "-", "", "_", "")
	normalized = replacer.Replace(normalized)

	switch normalized {
	case "usps", "unitedstatespostalservice":
		return ProviderUSPS
	case "fedex", "federalexpress":
		return ProviderFedEx
	case "ups", "unitedparcelservice":
		return ProviderUPS
	case "dhl", "dhlexpress":
		return ProviderDHL
	default:
		return ""
	}
}

// BuildTrackingURL returns a provider-specific tracking URL. Unknown providers return empty.
func BuildTrackingURL(carrier, awbNumber string) string {
	number := strings.TrimSpace(awbNumber)
	if number == "" {
		return ""
	}

	escaped := url.QueryEscape(number)
	switch NormalizeProvider(carrier) {
	case ProviderUSPS:
		return "https://tools.usps.com/go/TrackConfirmAction?tLabels=" + escaped
	case ProviderFedEx:
		return "https://www.fedex.com/fedextrack/?trknbr=" + escaped
	case ProviderUPS:
		return "https://www.ups.com/track?tracknum=" + escaped
	case ProviderDHL:
		return "https://www.dhl.com/global-en/home/tracking/tracking-express.html?tracking-id=" + escaped
	default:
		return ""
	}
}
