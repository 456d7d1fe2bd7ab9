package order

import (
	"regexp"
	"strings"
)

var postalCodePatterns = map[string]*regexp.Regexp{
	"US": regexp.MustCompile(`^\d{5}(-\d{4})?$`),
	"CA": regexp.MustCompile(`^[A-CEGHJ-NPR-TVXY]\d[A-CEGHJ-NPR-TV-Z] \d[A-CEGHJ-NPR-TV-Z]\d$`),
	"GB": regexp.MustCompile(`^[A-Z]{1,2}\d[A-Z\d]? \d[A-Z]{2}$`),
}

// ValidPostalCode reports whether code is well formed for country.
// Countries without a known format accept any non-empty code.
func ValidPostalCode(code, country string) bool {
	if code == "" {
		return false
	}
	re, ok := postalCodePatterns[strings.ToUpper(country)]
	if !ok {
		return true
	}
	return re.MatchString(strings.ToUpper(code))
}
