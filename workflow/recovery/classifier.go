package recovery

import (
	"strings"
)

var transientPatterns = []string{"timeout", "timed out", "stale", "busy", "temporarily", "connection reset"}

var permanentPatterns = []string{"invalid", "not found", "permission", "denied"}

var categoryPatterns = []struct {
	category Category
	patterns []string
}{
	{CategoryBrowser, []string{"browser", "page", "selector", "element"}},
	{CategoryDesktop, []string{"desktop", "window", "uia", "accessibility"}},
	{CategoryNetwork, []string{"network", "connection", "http", "dns", "socket"}},
	{CategoryConfiguration, []string{"config", "setting", "credential"}},
	{CategoryData, []string{"parse", "json", "csv", "data", "decode"}},
	{CategoryResource, []string{"resource", "acquire", "pool", "gate"}},
}

// Classify fills Category, Classification and Severity on ec.
//
// A known structured code wins; otherwise the error type and message are
// matched against well known substrings. The execution boundary kinds
// override both: acquisition timeouts are resource/transient, node timeouts
// are execution/transient, configuration errors are permanent.
func Classify(ec *ErrorContext) *ErrorContext {
	if ec == nil {
		return nil
	}

	switch {
	case ec.Code.Known():
		ec.Category = ec.Code.Category()
		ec.Classification = ec.Code.Classification()
		ec.Severity = ec.Code.Severity()
	default:
		text := strings.ToLower(ec.ErrorType + " " + ec.Message)
		ec.Category = categoryFromText(text)
		ec.Classification = classificationFromText(text)
		ec.Severity = SeverityMedium
	}

	switch ec.Kind {
	case KindAcquireTimeout:
		ec.Category = CategoryResource
		ec.Classification = Transient
	case KindNodeTimeout:
		if !ec.Code.Known() {
			ec.Category = CategoryExecution
		}
		ec.Classification = Transient
	case KindConfiguration:
		ec.Category = CategoryConfiguration
		ec.Classification = Permanent
	}

	return ec
}

func classificationFromText(text string) Classification {
	for _, p := range transientPatterns {
		if strings.Contains(text, p) {
			return Transient
		}
	}
	for _, p := range permanentPatterns {
		if strings.Contains(text, p) {
			return Permanent
		}
	}
	return Unknown
}

func categoryFromText(text string) Category {
	for _, cp := range categoryPatterns {
		for _, p := range cp.patterns {
			if strings.Contains(text, p) {
				return cp.category
			}
		}
	}
	return CategoryExecution
}
