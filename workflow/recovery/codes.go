package recovery

// Code is a structured node error code.
//
// The thousands digit selects the category (1 browser, 2 desktop, 3 data,
// 4 configuration, 5 network, 6 resource, 7 execution). The remainder selects
// classification and severity:
//
//	000-099  transient  medium
//	100-199  transient  low
//	200-299  permanent  medium
//	300-399  permanent  high
//	400-899  unknown    medium
//	900-999  permanent  critical
type Code int

// Browser codes
const (
	CodeBrowserTimeout  Code = 1001
	CodeStaleElement    Code = 1002
	CodePageLoadSlow    Code = 1101
	CodeElementNotFound Code = 1201
	CodeInvalidSelector Code = 1202
	CodeBrowserCrashed  Code = 1901
)

// Desktop codes
const (
	CodeDesktopBusy         Code = 2001
	CodeWindowNotFound      Code = 2201
	CodeDesktopAccessDenied Code = 2301
	CodeDesktopSessionLost  Code = 2901
)

// Data codes
const (
	CodeDataLocked    Code = 3001
	CodeInvalidData   Code = 3201
	CodeDataCorrupted Code = 3901
)

// Configuration codes
const (
	CodeInvalidConfig       Code = 4201
	CodeMissingCredential   Code = 4301
	CodeEngineMisconfigured Code = 4901
)

// Network codes
const (
	CodeConnectionTimeout Code = 5001
	CodeConnectionReset   Code = 5002
	CodeRateLimited       Code = 5101
	CodeNotFound          Code = 5201
	CodeUnauthorized      Code = 5301
)

// Resource codes
const (
	CodeResourceBusy      Code = 6001
	CodeResourceMissing   Code = 6201
	CodeResourceExhausted Code = 6901
)

// Execution codes
const (
	CodeExecutionTimeout Code = 7001
	CodeExecutionFailed  Code = 7401
	CodeInternal         Code = 7901
)

var categoryByDigit = map[int]Category{
	1: CategoryBrowser,
	2: CategoryDesktop,
	3: CategoryData,
	4: CategoryConfiguration,
	5: CategoryNetwork,
	6: CategoryResource,
	7: CategoryExecution,
}

// Known reports whether c lies inside one of the defined category ranges.
func (c Code) Known() bool {
	_, ok := categoryByDigit[int(c)/1000]
	return ok && c > 0
}

// Category returns the category encoded by the code.
func (c Code) Category() Category {
	if cat, ok := categoryByDigit[int(c)/1000]; ok {
		return cat
	}
	return CategoryExecution
}

// Classification returns the classification encoded by the code.
func (c Code) Classification() Classification {
	off := int(c) % 1000
	switch {
	case off < 200:
		return Transient
	case off < 400:
		return Permanent
	case off < 900:
		return Unknown
	default:
		return Permanent
	}
}

// Severity returns the severity encoded by the code.
func (c Code) Severity() Severity {
	off := int(c) % 1000
	switch {
	case off >= 900:
		return SeverityCritical
	case off >= 300 && off < 400:
		return SeverityHigh
	case off >= 100 && off < 200:
		return SeverityLow
	default:
		return SeverityMedium
	}
}
