package registrar

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"mcpkit/internal/domain"
)

// UIResourceURI returns the UI resource URI linked to a service method:
// the lowercased type name without a "Service" suffix, then the method name
// with a lowercase first letter.
//
//	UIResourceURI("WeatherService", "GetForecast") == "ui://weather/getForecast"
func UIResourceURI(typeName, method string) string {
	return domain.UIResourceScheme + "://" + ServiceSlug(typeName) + "/" + lowerFirst(method)
}

// ServiceSlug normalizes a service type name. Only an exact "Service"
// suffix is dropped, so "Microservice" keeps its name.
func ServiceSlug(typeName string) string {
	if trimmed := strings.TrimSuffix(typeName, "Service"); trimmed != "" {
		typeName = trimmed
	}
	return strings.ToLower(typeName)
}

// CapabilityName is the default external name of a method.
func CapabilityName(method string) string {
	return lowerFirst(method)
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || unicode.IsLower(r) {
		return s
	}
	return string(unicode.ToLower(r)) + s[size:]
}
