package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// ErrorAuthFailed is returned when a QuickBooks call still fails after the
// single refresh-and-retry. It is fatal for the affected job only.
var ErrorAuthFailed = errors.New("quickbooks authentication failed after token refresh")
