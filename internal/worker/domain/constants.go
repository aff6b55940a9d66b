package domain

// Queue names and message patterns
const (
	GenerateQueue = "campaign.generate"
	ResultQueue   = "campaign.result"

	ResultPattern = "campaign.result"
)

// UnknownCampaignID is reported when no campaign id can be recovered from a message
const UnknownCampaignID = "unknown"

// Job outcome labels
const (
	OutcomeSucceeded = "succeeded"
	OutcomeMalformed = "malformed"
	OutcomeFailed    = "failed"
	OutcomePanicked  = "panicked"
)
