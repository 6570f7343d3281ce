package unlock

const (
	operationRequestUnlock = "request_unlock"
	operationGrantUnlock   = "grant_unlock"
	operationSetDeviceBan  = "set_device_ban"
	operationLinkAccount   = "link_account"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusDegraded = "degraded"

	subjectKeyDelimiter   = ":"
	subjectPrefixDevice   = "device"
	subjectPrefixAccount  = "account"
	creditReservationStep = 1

	defaultFreeCreditLimit     = 1
	defaultAbuseEmailThreshold = 2
	maxLinkageAttempts         = 4
)
