package domain

// CampaignJob is one generation request taken from the generate queue
type CampaignJob struct {
	CampaignID string `json:"campaignId"`
	Prompt     string `json:"prompt"`
}

// GenerationResult is the generator's answer for a job
type GenerationResult struct {
	CampaignID    string `json:"campaignId"`
	GeneratedText string `json:"generatedText"`
	ImagePath     string `json:"imagePath"`
}

// ResultEnvelope is the outcome reported for exactly one job. Error set
// implies GeneratedText and ImagePath are empty.
type ResultEnvelope struct {
	CampaignID    string  `json:"campaignId"`
	GeneratedText string  `json:"generatedText"`
	ImagePath     string  `json:"imagePath"`
	Error         *string `json:"error"`
}

// ResultMessage is the wire format published to the result queue
type ResultMessage struct {
	Pattern string         `json:"pattern"`
	Data    ResultEnvelope `json:"data"`
}

// NewSuccessEnvelope builds the envelope for a completed job
func NewSuccessEnvelope(job CampaignJob, result GenerationResult) ResultEnvelope {
	return ResultEnvelope{
		CampaignID:    job.CampaignID,
		GeneratedText: result.GeneratedText,
		ImagePath:     result.ImagePath,
	}
}

// NewErrorEnvelope builds the envelope for a failed job
func NewErrorEnvelope(campaignID string, err error) ResultEnvelope {
	msg := err.Error()
	return ResultEnvelope{
		CampaignID: campaignID,
		Error:      &msg,
	}
}
